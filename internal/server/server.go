package server

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/worldline-go/klient"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/backend"
	"github.com/openinfer/modelfront/internal/config"
	"github.com/openinfer/modelfront/internal/service"
	"github.com/openinfer/modelfront/internal/usagelog"
)

type Server struct {
	config   config.Server
	registry *config.Registry

	store  service.Store
	tokens *auth.Manager
	authMW *auth.Middleware
	usage  *usagelog.Pipeline

	server *ada.Server

	// upstreams caches HTTP clients for trt-llm models (keyed by model name).
	upstreams   map[string]*klient.Client
	upstreamsMu sync.Mutex

	// counters caches token-counter clients per backend address.
	counters   map[string]*backend.Counter
	countersMu sync.Mutex

	// Backend call surfaces, replaced by fakes in handler tests.
	openStream func(ctx context.Context, addr, model, requestID string, params backend.ChatParams) (chatStream, error)
	embed      func(ctx context.Context, addr, model string, inputs []string) (*backend.EmbedResult, error)
	transcribe func(ctx context.Context, addr, model string, audio []byte) (string, error)
	count      func(ctx context.Context, addr string, texts ...string) int
}

func New(cfg *config.Config, registry *config.Registry, store service.Store, tokens *auth.Manager, usage *usagelog.Pipeline) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:   cfg.Server,
		registry: registry,
		store:    store,
		tokens:   tokens,
		usage:    usage,
		server:   mux,
		authMW: &auth.Middleware{
			Manager:      tokens,
			ExcludePaths: cfg.OAuth2.ExcludePaths,
		},
		upstreams: map[string]*klient.Client{},
		counters:  map[string]*backend.Counter{},
	}

	s.openStream = func(ctx context.Context, addr, model, requestID string, params backend.ChatParams) (chatStream, error) {
		return backend.Open(ctx, addr, model, requestID, params)
	}
	s.embed = backend.Embed
	s.transcribe = backend.Transcribe
	s.count = s.counterCount

	base := mux.Group(cfg.Server.BasePath)

	// Session management. Login itself is public; the rest requires any
	// authenticated principal.
	base.POST("/session", s.LoginAPI)
	base.GET("/session/user", s.withAuth(s.authMW.Required(), s.SessionUserAPI))
	base.POST("/session/changePwd", s.withAuth(s.authMW.Required(), s.ChangePasswordAPI))

	// Token introspection and refresh.
	base.POST("/access/refresh", s.withAuth(s.authMW.Required(), s.RefreshAPI))
	base.POST("/access/info", s.withAuth(s.authMW.Required(), s.TokenInfoAPI))

	// API key management (session tokens only; enforced in the handlers).
	base.POST("/apikey", s.withAuth(s.authMW.Required(), s.CreateAPIKeyAPI))
	base.GET("/apikey", s.withAuth(s.authMW.Required(), s.ListAPIKeysAPI))

	// OpenAI-compatible surface. Bare tokens are tolerated here.
	v1 := base.Group("/v1")
	v1.GET("/models", s.withAuth(s.authMW.RequiredAPI(auth.ScopeModelsRead), s.ListModelsAPI))
	v1.POST("/chat/completions", s.withAuth(s.authMW.RequiredAPI(auth.ScopeChat), s.ChatCompletionsAPI))
	v1.POST("/embeddings", s.withAuth(s.authMW.RequiredAPI(auth.ScopeEmbeddings), s.EmbeddingsAPI))
	v1.POST("/audio/transcriptions", s.withAuth(s.authMW.RequiredAPI(auth.ScopeAudioTranscribe), s.TranscriptionsAPI))

	// Admin plane.
	admin := base.Group("/admin")
	admin.Use(s.authMW.Required(auth.ScopeAdmin))
	admin.GET("/users", s.ListUsersAPI)
	admin.POST("/user", s.CreateUserAPI)
	admin.PUT("/user/*", s.UpdateUserAPI)
	admin.DELETE("/user/*", s.DeleteUserAPI)
	admin.POST("/user/*/revoke", s.RevokeUserKeysAPI)
	admin.GET("/usage", s.UsageSummaryAPI)

	return s, nil
}

// withAuth adapts per-route middleware to the handler-func registration the
// mux uses.
func (s *Server) withAuth(mw func(http.Handler) http.Handler, h http.HandlerFunc) http.HandlerFunc {
	wrapped := mw(h)

	return wrapped.ServeHTTP
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// identity returns the authenticated principal, guaranteed present on routes
// behind the auth middleware.
func identity(r *http.Request) *auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())

	return id
}
