package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/quantforum/server/internal/auth"
	"github.com/quantforum/server/internal/custody"
	"github.com/quantforum/server/internal/http/handlers"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/middleware"
	"github.com/quantforum/server/internal/mint"
	"github.com/quantforum/server/internal/obs"
	"github.com/quantforum/server/internal/repo"
)

// MaxBodyBytes caps every request body
const MaxBodyBytes = 64 << 10

// Deps are the services the router exposes
type Deps struct {
	Registry  *auth.Service
	Custodian *custody.Custodian
	Flow      *mint.Flow
	Posts     repo.PostRepo
	DB        handlers.Pinger
	Metrics   *obs.Metrics
	Log       logging.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(d.Metrics.Instrument)
	r.Use(chimw.Recoverer)
	r.Use(middleware.MaxBodyBytes(MaxBodyBytes))

	authHandler := handlers.NewAuthHandler(d.Registry, d.Log)
	walletHandler := handlers.NewWalletHandler(d.Registry, d.Custodian, d.Metrics, d.Log)
	postHandler := handlers.NewPostHandler(d.Flow, d.Posts, d.Log)

	// 10 per 10min for register, 20 per 10min for login, per IP
	registerLimiter := middleware.NewRateLimiter(10*time.Minute, 10)
	loginLimiter := middleware.NewRateLimiter(10*time.Minute, 20)
	// 30 posts per minute per account
	postLimiter := middleware.NewRateLimiter(time.Minute, 30)

	r.Get("/health", handlers.NewHealthHandler(d.DB).ServeHTTP)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.With(middleware.RateLimitMiddleware(registerLimiter, middleware.GetIPKey, d.Metrics)).
			Post("/register", authHandler.HandleRegister)
		r.With(middleware.RateLimitMiddleware(loginLimiter, middleware.GetIPKey, d.Metrics)).
			Post("/login", authHandler.HandleLogin)
	})

	r.Get("/posts", postHandler.HandleList)

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.Registry, d.Metrics, d.Log))
		r.Get("/me", authHandler.HandleMe)
		r.Post("/wallet", walletHandler.HandleProvision)
		r.With(middleware.RateLimitMiddleware(postLimiter, middleware.GetAccountKey, d.Metrics)).
			Post("/posts", postHandler.HandleCreate)
	})

	return r
}
