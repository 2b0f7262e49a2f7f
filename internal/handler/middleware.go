package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sitecontact/backend/internal/logging"
	"github.com/sitecontact/backend/pkg/auth"
)

// SecurityHeaders adds security response headers (CSP, X-Frame-Options, etc.)
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("X-XSS-Protection", "0")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; form-action 'self'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// RateLimiter throttles raw requests per client IP using a one-minute
// sliding window. It sits in front of POST /contact and only protects the
// server; the hourly submission ceiling is enforced by the contact pipeline.
type RateLimiter struct {
	maxPerMinute      int
	trustedProxyCount int
	now               func() time.Time
	mu                sync.Mutex
	clients           map[string]*clientWindow
}

type clientWindow struct {
	timestamps []time.Time
}

// NewRateLimiter creates a rate limiter with the given requests-per-minute limit.
// Call Run to start evicting idle clients.
func NewRateLimiter(maxPerMinute, trustedProxyCount int) *RateLimiter {
	return &RateLimiter{
		maxPerMinute:      maxPerMinute,
		trustedProxyCount: trustedProxyCount,
		now:               time.Now,
		clients:           make(map[string]*clientWindow),
	}
}

// Run periodically removes stale entries until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	windowStart := rl.now().Add(-time.Minute)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, cw := range rl.clients {
		cw.prune(windowStart)
		if len(cw.timestamps) == 0 {
			delete(rl.clients, ip)
		}
	}
}

// prune drops timestamps outside the window; in-place filter on shared backing array
func (cw *clientWindow) prune(windowStart time.Time) {
	valid := cw.timestamps[:0]
	for _, ts := range cw.timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	cw.timestamps = valid
}

// Middleware returns an http.Handler that enforces rate limits.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.maxPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := SourceIP(r, rl.trustedProxyCount)
		now := rl.now()

		rl.mu.Lock()
		cw, ok := rl.clients[ip]
		if !ok {
			cw = &clientWindow{}
			rl.clients[ip] = cw
		}
		cw.prune(now.Add(-time.Minute))

		if len(cw.timestamps) >= rl.maxPerMinute {
			oldest := cw.timestamps[0]
			retryAfter := oldest.Add(time.Minute).Sub(now)
			rl.mu.Unlock()

			logging.FromContext(r.Context()).Info("request throttled", "client_ip", ip)
			w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
			if isJSONRequest(r) {
				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Error:   "too_many_requests",
					Message: throttledMessage,
				})
				return
			}
			// ブラウザには入力内容を残したままフォームを返す
			renderContact(w, r, http.StatusTooManyRequests, contactPage{
				CSRFToken: auth.CSRFTokenFromContext(r.Context()),
				Error:     throttledMessage,
				Name:      r.PostFormValue("name"),
				Email:     r.PostFormValue("email"),
				Message:   r.PostFormValue("message"),
			})
			return
		}

		cw.timestamps = append(cw.timestamps, now)
		rl.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// LimitBody caps request bodies at n bytes. It must run before anything that
// parses the body (CSRF reads the form field), so urlencoded form posts are
// parsed here and an oversized one is answered with 413.
func LimitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > n {
				rejectBody(w, r, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)

			if !isJSONRequest(r) {
				if err := r.ParseForm(); err != nil {
					status := http.StatusBadRequest
					var tooLarge *http.MaxBytesError
					if errors.As(err, &tooLarge) {
						status = http.StatusRequestEntityTooLarge
					}
					logging.FromContext(r.Context()).Info("request body rejected", "status", status, "error", err)
					rejectBody(w, r, status)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rejectBody(w http.ResponseWriter, r *http.Request, status int) {
	msg := genericFailureMessage
	code := "invalid_body"
	if status == http.StatusRequestEntityTooLarge {
		msg = tooLargeMessage
		code = "request_too_large"
	}
	if isJSONRequest(r) {
		writeJSON(w, status, errorResponse{Error: code, Message: msg})
		return
	}
	// CSRF より前なので、フォームにはクッキーのトークンをそのまま載せる
	page := contactPage{Error: msg}
	if cookie, err := r.Cookie(auth.CSRFCookieName); err == nil {
		page.CSRFToken = cookie.Value
	}
	renderContact(w, r, status, page)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// SourceIP extracts the real client IP, reading from the rightmost trusted
// proxy position in X-Forwarded-For to prevent spoofing. With
// trustedProxyCount 0 the header is ignored.
func SourceIP(r *http.Request, trustedProxyCount int) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && trustedProxyCount > 0 {
		parts := strings.Split(xff, ",")
		// The rightmost entry added by our infrastructure is at
		// index len(parts) - trustedProxyCount.
		idx := len(parts) - trustedProxyCount
		if idx >= 0 && idx < len(parts) {
			if ip := strings.TrimSpace(parts[idx]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
