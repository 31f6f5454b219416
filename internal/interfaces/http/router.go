package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/manorfm/gitlab-mcp-proxy/internal/application"
	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/config"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/repository"
	"github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http/handlers"
	"github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http/middleware/auth"
	"github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http/middleware/ratelimit"
	mcpserver "github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/mcp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const requestTimeout = 60 * time.Second

// Dependencies are the collaborators the router cannot build from configuration
type Dependencies struct {
	Store    domain.Store
	Hasher   domain.TokenHasher
	Upstream domain.UpstreamProvider
	GitLab   mcpserver.GitLabAPI
	Version  string
}

type Router struct {
	router   *chi.Mux
	sweeper  *application.Sweeper
	limiters []*ratelimit.RateLimiter
}

func NewRouter(deps Dependencies, cfg *config.Config, logger *zap.Logger) *Router {
	clientRepo := repository.NewClientRepository(deps.Store, logger)
	attemptRepo := repository.NewAttemptRepository(deps.Store, logger)
	tokenRepo := repository.NewTokenRepository(deps.Store, logger)
	codeRepo := repository.NewCodeRepository(deps.Store, logger)

	registry := application.NewRegistryService(clientRepo, cfg.Upstream(), logger)
	tracker := application.NewStateTracker(attemptRepo, cfg.StateTTL, logger)
	tokens := application.NewTokenService(tokenRepo, deps.Hasher, cfg.TokenMaxAge, logger)
	waiters := application.NewLoginWaiters(cfg.LoginWaitTimeout)
	proxy := application.NewProxyService(registry, tracker, tokens, codeRepo, deps.Upstream, waiters, application.ProxyConfig{
		RequirePKCE:  cfg.RequirePKCE,
		UpstreamPKCE: cfg.UpstreamPKCE,
		CodeTTL:      cfg.CodeTTL,
	}, logger)
	sweeper := application.NewSweeper(tracker, tokens, codeRepo, waiters, cfg.SweepInterval, logger)

	issuer := cfg.BaseURL + cfg.PathPrefix
	metadataHandler := handlers.NewMetadataHandler(issuer, cfg.GitLabScopes, logger)
	oauth2Handler := handlers.NewOAuth2Handler(proxy, logger)
	registrationHandler := handlers.NewRegistrationHandler(registry, logger)
	mcpHandler := mcpserver.NewServer(deps.GitLab, deps.Version, logger).Handler()

	rateLimiter := ratelimit.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 3*time.Minute)
	// failed bearer checks draw on a separate per-IP budget
	bearerLimiter := ratelimit.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 3*time.Minute)
	authMiddleware := auth.NewAuthMiddleware(proxy, bearerLimiter, metadataHandler.ResourceMetadataURL(), logger)

	router := createRouter()

	// Health check endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := deps.Store.Ping(r.Context()); err != nil {
				logger.Error("Store health check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("Store unavailable"))
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Ready"))
		})

		r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Alive"))
		})
	})

	routes := func(r chi.Router) {
		// Long poll outlives the request timeout
		r.With(rateLimiter.Middleware).Get("/poll", oauth2Handler.PollHandler)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get(handlers.AuthorizationServerMetadataPath, metadataHandler.AuthorizationServerHandler)
			r.Get(handlers.ProtectedResourceMetadataPath, metadataHandler.ProtectedResourceHandler)
			r.Get("/callback", oauth2Handler.CallbackHandler)

			r.Group(func(r chi.Router) {
				r.Use(rateLimiter.Middleware)
				r.Get("/authorize", oauth2Handler.AuthorizeHandler)
				r.Post("/register", registrationHandler.RegisterHandler)
				r.Post("/token", oauth2Handler.TokenHandler)
				r.Post("/revoke", oauth2Handler.RevokeHandler)
			})

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Authenticator)
				r.Handle("/mcp", mcpHandler)
			})
		})
	}

	if cfg.PathPrefix == "" {
		routes(router)
	} else {
		router.Route(cfg.PathPrefix, routes)

		// RFC 8414 and RFC 9728 insert the issuer path after the well-known segment
		router.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Get(handlers.AuthorizationServerMetadataPath+cfg.PathPrefix, metadataHandler.AuthorizationServerHandler)
			r.Get(handlers.ProtectedResourceMetadataPath+cfg.PathPrefix+"/mcp", metadataHandler.ProtectedResourceHandler)
			r.Get(handlers.AuthorizationServerMetadataPath, metadataHandler.AuthorizationServerHandler)
			r.Get(handlers.ProtectedResourceMetadataPath, metadataHandler.ProtectedResourceHandler)
		})
	}

	return &Router{
		router:   router,
		sweeper:  sweeper,
		limiters: []*ratelimit.RateLimiter{rateLimiter, bearerLimiter},
	}
}

func createRouter() *chi.Mux {
	router := chi.NewRouter()

	// Add middleware
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)

	return router
}

// Start runs the background expiry sweeper
func (r *Router) Start(ctx context.Context) {
	r.sweeper.Start(ctx)
}

// Close stops the background workers started by the router
func (r *Router) Close() {
	r.sweeper.Stop()
	for _, limiter := range r.limiters {
		limiter.Stop()
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
