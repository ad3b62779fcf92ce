// Package bridge exposes a guide engine to an in-page overlay or a chat
// frontend over HTTP and a websocket.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/config"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/guide"
)

// Controller is the engine surface the bridge drives. *guide.Engine
// implements it.
type Controller interface {
	Events() *events.Emitter
	Guide(ctx context.Context, id string) (*schemas.GuidanceTarget, error)
	Ask(ctx context.Context, query string) (*schemas.GuidanceTarget, error)
	ConfirmStep(ctx context.Context) error
	Cancel(ctx context.Context, reason string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Snapshot(ctx context.Context) (guide.Snapshot, error)
	Targets(ctx context.Context) ([]schemas.GuidanceTarget, error)
}

var _ Controller = (*guide.Engine)(nil)

// Options configures a Server.
type Options struct {
	// AuthSecret enables HS256 bearer tokens on everything but /healthz.
	AuthSecret     string
	CommandRate    float64
	CommandBurst   int
	AllowedOrigins []string
	Logger         *zap.Logger
}

// OptionsFromConfig maps the bridge section of the configuration.
func OptionsFromConfig(cfg config.BridgeConfig) Options {
	return Options{
		AuthSecret:     cfg.AuthSecret,
		CommandRate:    cfg.CommandRate,
		CommandBurst:   cfg.CommandBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

// Server routes HTTP and websocket traffic to a Controller.
type Server struct {
	ctrl     Controller
	opts     Options
	logger   *zap.Logger
	hub      *hub
	router   chi.Router
	upgrader websocket.Upgrader
}

// New builds a Server. Run must be running for websocket clients to be
// served.
func New(ctrl Controller, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CommandRate <= 0 {
		opts.CommandRate = 10
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 20
	}
	s := &Server{
		ctrl:   ctrl,
		opts:   opts,
		logger: logger.Named("bridge"),
	}
	s.hub = newHub(s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/targets", s.handleTargets)
		r.Get("/flow", s.handleFlow)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		r.Get("/ws", s.handleWS)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run forwards engine events to connected clients until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var listeners []events.Listener
	for _, name := range broadcastEvents {
		listeners = append(listeners, s.ctrl.Events().On(name, func(payload any) {
			if f, ok := frameFor(name, payload); ok {
				s.hub.publish(f)
			}
		}))
	}
	defer func() {
		for _, l := range listeners {
			l.Off()
		}
	}()
	s.hub.run(ctx)
	return nil
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error {
		s.logger.Info("Bridge listening.", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.ctrl.Targets(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, targets)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket.", zap.Error(err))
		return
	}
	c := &client{
		id:      uuid.NewString(),
		subject: subjectFrom(r.Context()),
		srv:     s,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.opts.CommandRate), s.opts.CommandBurst),
		send:    make(chan []byte, 256),
	}
	if !s.hub.add(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// dispatch runs one command against the engine and builds the reply.
func (s *Server) dispatch(ctx context.Context, c *client, cmd Command) Frame {
	metricCommands.WithLabelValues(cmd.Type).Inc()
	s.logger.Debug("Bridge command.", zap.String("client_id", c.id), zap.String("subject", c.subject), zap.String("type", cmd.Type))

	var (
		target *schemas.GuidanceTarget
		err    error
	)
	switch cmd.Type {
	case CmdConfirm:
		err = s.ctrl.ConfirmStep(ctx)
	case CmdCancel:
		reason := cmd.Reason
		if reason == "" {
			reason = "user"
		}
		err = s.ctrl.Cancel(ctx, reason)
	case CmdPause:
		err = s.ctrl.Pause(ctx)
	case CmdResume:
		err = s.ctrl.Resume(ctx)
	case CmdGuide:
		target, err = s.ctrl.Guide(ctx, cmd.Target)
	case CmdAsk:
		target, err = s.ctrl.Ask(ctx, cmd.Query)
	default:
		return Frame{Type: FrameError, Command: cmd.Type, Error: "unknown command"}
	}
	if err != nil {
		return Frame{Type: FrameError, Command: cmd.Type, Error: err.Error()}
	}
	return Frame{Type: FrameAck, Command: cmd.Type, Target: target}
}

func statusFor(err error) int {
	if errors.Is(err, guide.ErrNotInitialized) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{Error: err.Error(), Status: status})
}
