// Package gateway is the agent's HTTP surface: webhook intake, health and
// metrics endpoints, and a websocket stream of pipeline outcomes.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renobot/renobot/internal/logging"
)

// HealthReport is the /health response body.
type HealthReport struct {
	Status         string    `json:"status"`
	HealthScore    int       `json:"health_score"`
	PollingEnabled bool      `json:"polling_enabled"`
	LastCycleAt    time.Time `json:"last_cycle_at,omitzero"`
	Cache          struct {
		HitRate float64 `json:"hit_rate"`
		Size    int     `json:"size"`
	} `json:"cache"`
	RateLimit struct {
		Remaining int       `json:"remaining"`
		ResetAt   time.Time `json:"reset_at,omitzero"`
	} `json:"rate_limit"`
	Queue struct {
		Queued   int `json:"queued"`
		InFlight int `json:"in_flight"`
	} `json:"queue"`
}

// HealthSource produces the live health report.
type HealthSource func() HealthReport

// Config holds the gateway network binding.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Server is the gateway HTTP server. It is not started until Start is
// called. Safe for concurrent use.
type Server struct {
	config   *Config
	intake   http.Handler
	health   HealthSource
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIntake mounts the webhook receiver at POST /events.
func WithIntake(h http.Handler) ServerOption {
	return func(s *Server) {
		s.intake = h
	}
}

// WithHealthSource sets the /health data source.
func WithHealthSource(src HealthSource) ServerOption {
	return func(s *Server) {
		s.health = src
	}
}

// WithHub sets the event hub backing /ws/events.
func WithHub(hub *Hub) ServerOption {
	return func(s *Server) {
		s.hub = hub
	}
}

// NewServer creates a gateway server.
func NewServer(config *Config, opts ...ServerOption) *Server {
	s := &Server{
		config: config,
		logger: logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.intake != nil {
		mux.Handle("/events", s.intake)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("/ws/events", s.handleEventStream)
	}
	return mux
}

// Start runs the server and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains connections with a 30 second budget.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var report HealthReport
	if s.health != nil {
		report = s.health()
	} else {
		report.Status = "healthy"
		report.HealthScore = 100
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
