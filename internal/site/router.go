package site

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authbridge/internal/middleware"
)

// RouterDeps は公開オリジンのルーターに必要な依存関係。
type RouterDeps struct {
	Logger         *slog.Logger
	Handler        *Handler
	CSRF           middleware.CSRFConfig
	MetricsHandler http.Handler
}

// NewRouter は公開オリジンのルーティングを構成する。
//
//	RequestID → Logging → Recovery → SecurityHeaders → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	h := deps.Handler
	r.Get("/auth-callback", h.Callback)

	// ログアウトフォーム以外のクライアント（JS）向け
	r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Get("/login", h.Login)
		r.Get("/session", h.Session)
		r.Post("/logout", h.Logout)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
