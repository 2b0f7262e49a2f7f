package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sitecontact/backend/pkg/auth"
)

// RouterConfig bundles what NewRouter needs. Throttle may be nil.
type RouterConfig struct {
	Handler    *Handler
	Contact    *ContactHandler
	CSRF       *auth.CSRF
	Throttle   *RateLimiter
	AdminToken string
}

// NewRouter wires the HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID → RequestLogger → Recoverer の順（ログに request_id を載せるため）
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(cfg.Handler.CORS)

	r.Get("/api/health", cfg.Handler.Health)

	// 問い合わせフォーム（キャッシュ禁止・ボディ上限・CSRF 必須）
	r.Group(func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Use(LimitBody(maxBodyBytes))
		r.Use(cfg.CSRF.Protect)
		r.Get("/contact", cfg.Contact.Form)
		if cfg.Throttle != nil {
			r.With(cfg.Throttle.Middleware).Post("/contact", cfg.Contact.Submit)
		} else {
			r.Post("/contact", cfg.Contact.Submit)
		}
	})

	// 管理 API
	r.Group(func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Use(auth.RequireAdminToken(cfg.AdminToken))
		r.Get("/api/admin/contacts", cfg.Contact.AdminList)
		r.Get("/api/admin/contacts/{id}", cfg.Contact.AdminGet)
	})

	return r
}
