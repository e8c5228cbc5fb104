package webchat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parlor/pkg/notify"
	"github.com/go-go-golems/parlor/pkg/streaming"
	"github.com/go-go-golems/parlor/pkg/usage"
)

const defaultShutdownTimeout = 30 * time.Second

type ServerConfig struct {
	Addr           string
	Hub            *Hub
	Store          streaming.PersistenceBridge
	Meter          usage.Meter
	Notifier       *notify.Publisher
	AllowedOrigins []string
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// Server binds the websocket hub and the HTTP API to one listener.
type Server struct {
	hub             *Hub
	handler         http.Handler
	httpSrv         *http.Server
	shutdownTimeout time.Duration
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("server hub is nil")
	}
	if cfg.Addr == "" {
		return nil, errors.New("server addr is empty")
	}
	api := &API{hub: cfg.Hub, store: cfg.Store, meter: cfg.Meter, notifier: cfg.Notifier}
	h := newRouter(cfg.Hub, api, cfg.AllowedOrigins)
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &Server{
		hub:     cfg.Hub,
		handler: h,
		httpSrv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: timeout,
	}, nil
}

func newRouter(hub *Hub, api *API, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", DefaultUserHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", api.health)
	r.Handle("/ws", hub)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", api.stats)
		r.Get("/users/{userId}/presence", api.presence)
		r.Post("/users/{userId}/notifications", api.notifyUser)
		r.Post("/broadcasts", api.broadcast)
		r.Get("/rooms/{roomId}", api.room)
		r.Get("/rooms/{roomId}/messages", api.messages)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx is cancelled, then shuts down gracefully: the listener
// stops accepting, live sockets are closed and in-flight requests drain.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting parlor server")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		s.hub.Shutdown()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("http server shutdown complete")
		return nil
	})

	return eg.Wait()
}
