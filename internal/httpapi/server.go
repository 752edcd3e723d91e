// Package httpapi is the relay's HTTP surface: gateway webhooks, the
// conversation API, the websocket endpoint, health and metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/fanout"
	"github.com/matheus3301/wpp-relay/internal/inbox"
	"github.com/matheus3301/wpp-relay/internal/ingest"
	"github.com/matheus3301/wpp-relay/internal/outbound"
	"github.com/matheus3301/wpp-relay/internal/store"
)

const (
	maxWebhookBody = 16 << 20
	maxAPIBody     = 1 << 20

	DefaultRateLimit  = 300
	defaultRateWindow = time.Minute
)

// Options configure the router. Hub may be nil to disable the websocket
// endpoint; Ready may be nil to always report ready.
type Options struct {
	DB          *store.DB
	Pipeline    *ingest.Pipeline
	Sender      *outbound.Sender
	Inbox       *inbox.Service
	Hub         *fanout.Hub
	Ready       func() (bool, string)
	CORSOrigins []string
	RateLimit   int
	Logger      *zap.Logger
}

type server struct {
	db       *store.DB
	pipeline *ingest.Pipeline
	sender   *outbound.Sender
	inbox    *inbox.Service
	hub      *fanout.Hub
	ready    func() (bool, string)
	validate *validator.Validate
	logger   *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"https://*", "http://*"}
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	s := &server{
		db:       opts.DB,
		pipeline: opts.Pipeline,
		sender:   opts.Sender,
		inbox:    opts.Inbox,
		hub:      opts.Hub,
		ready:    opts.Ready,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logging(opts.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)
	r.Get("/ready", s.readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhook/{instance}", func(r chi.Router) {
		r.Post("/", s.webhook)
		r.Post("/{event}", s.webhook)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimit(opts.RateLimit, defaultRateWindow))

		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Get("/conversations", s.listConversations)
			r.Get("/search", s.search)
			r.Post("/messages", s.sendMessage)
			r.Post("/reconcile", s.reconcile)
		})

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.getConversation)
			r.Get("/messages", s.listMessages)
			r.Post("/read", s.markRead)
			r.Post("/unread", s.markUnread)
			r.Post("/pin", s.flag(s.inbox.Pin))
			r.Post("/unpin", s.flag(s.inbox.Unpin))
			r.Post("/archive", s.flag(s.inbox.Archive))
			r.Post("/unarchive", s.flag(s.inbox.Unarchive))
			r.Post("/refresh", s.refresh)
		})
	})

	return r
}

// fail writes err with its mapped status. Server-side failures are logged.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.db != nil {
		stats, err := s.db.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"reason": err.Error(),
			})
			return
		}
		resp["stats"] = stats
	}
	if s.hub != nil {
		resp["websocketClients"] = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) readiness(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if ok, state := s.ready(); !ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"state":  state,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
