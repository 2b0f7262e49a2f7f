package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CSRFCookieName は CSRF トークンを保持するクッキー名
	CSRFCookieName = "csrf_token"
	// CSRFFieldName はフォームの hidden フィールド名
	CSRFFieldName = "csrf_token"
	// CSRFHeaderName は JSON クライアントが送るヘッダー名
	CSRFHeaderName = "X-CSRF-Token"

	minSecretLen = 32
)

var (
	ErrCSRFMissing  = errors.New("csrf token missing")
	ErrCSRFInvalid  = errors.New("csrf token invalid")
	ErrCSRFExpired  = errors.New("csrf token expired")
	ErrCSRFMismatch = errors.New("csrf token mismatch")
)

type csrfContextKey struct{}

// CSRFTokenFromContext は Protect がセットしたトークンを返す
func CSRFTokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(csrfContextKey{}).(string)
	return v
}

// CSRF issues and verifies signed double-submit tokens. A token is
// base64(nonce|issuedAt) + "." + hex(HMAC-SHA256); the same value is sent as
// a cookie and echoed back in a form field or header.
type CSRF struct {
	secret []byte
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

// NewCSRF creates a CSRF protector. secure marks the cookie Secure.
func NewCSRF(secret string, maxAge time.Duration, secure bool) *CSRF {
	return &CSRF{
		secret: secretBytes(secret),
		maxAge: maxAge,
		secure: secure,
		now:    time.Now,
	}
}

// secretBytes は文字列から署名用のバイト列を生成する（最低32バイト）
func secretBytes(s string) []byte {
	b := []byte(s)
	if len(b) < minSecretLen {
		out := make([]byte, minSecretLen)
		copy(out, b)
		return out
	}
	return b
}

func (c *CSRF) sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a new token.
func (c *CSRF) Issue() string {
	payload := []byte(uuid.NewString() + "|" + strconv.FormatInt(c.now().Unix(), 10))
	return base64.RawURLEncoding.EncodeToString(payload) + "." + c.sign(payload)
}

// Verify checks the signature and age of token.
func (c *CSRF) Verify(token string) error {
	if token == "" {
		return ErrCSRFMissing
	}
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return ErrCSRFInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return ErrCSRFInvalid
	}
	if !hmac.Equal([]byte(c.sign(payload)), []byte(parts[1])) {
		return ErrCSRFInvalid
	}
	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 {
		return ErrCSRFInvalid
	}
	issued, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return ErrCSRFInvalid
	}
	if c.now().Sub(time.Unix(issued, 0)) > c.maxAge {
		return ErrCSRFExpired
	}
	return nil
}

// check validates a request: the cookie must carry a valid token and the
// submitted copy must match it.
func (c *CSRF) check(r *http.Request) error {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return ErrCSRFMissing
	}
	if err := c.Verify(cookie.Value); err != nil {
		return err
	}
	submitted := r.Header.Get(CSRFHeaderName)
	if submitted == "" {
		submitted = r.PostFormValue(CSRFFieldName)
	}
	if submitted == "" {
		return ErrCSRFMissing
	}
	if !hmac.Equal([]byte(submitted), []byte(cookie.Value)) {
		return ErrCSRFMismatch
	}
	return nil
}

func (c *CSRF) setCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Protect は CSRF 検証ミドルウェア。安全なメソッドではトークンを発行（または
// 再利用）し、それ以外ではクッキーと送信値を照合する。
func (c *CSRF) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			token := ""
			if cookie, err := r.Cookie(CSRFCookieName); err == nil && c.Verify(cookie.Value) == nil {
				token = cookie.Value
			} else {
				token = c.Issue()
				c.setCookie(w, token)
			}
			ctx := context.WithValue(r.Context(), csrfContextKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if err := c.check(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "csrf_failed"})
			return
		}
		cookie, _ := r.Cookie(CSRFCookieName)
		ctx := context.WithValue(r.Context(), csrfContextKey{}, cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
