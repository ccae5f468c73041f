// Package server exposes the operator's single listening port: HTTP for the
// admin API, metrics and health, and gRPC for the standard health service.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/quorumkeeper/admin"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the gRPC health service name reported alongside ""
const ServiceName = "quorumkeeper"

// Config holds configuration for the server
type Config struct {
	Address        string
	Port           int
	Admin          *admin.AdminHandlers // nil disables the admin API
	MetricsHandler http.Handler         // nil disables /metrics
}

// Server multiplexes HTTP and gRPC on one port
type Server struct {
	config   Config
	listener net.Listener
	mux      cmux.CMux
	grpc     *grpc.Server
	http     *http.Server
	health   *health.Server
	serving  atomic.Bool
	stopOnce sync.Once
}

// New creates a server; nothing listens until Start
func New(config Config) *Server {
	s := &Server{config: config, health: health.NewServer()}
	s.SetServing(false)
	return s
}

// SetAdmin attaches the admin API; it has no effect after Start
func (s *Server) SetAdmin(handlers *admin.AdminHandlers) {
	s.config.Admin = handlers
}

// Start listens and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.grpc = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("address", listener.Addr().String()).
		Bool("admin", s.config.Admin != nil).
		Bool("metrics", s.config.MetricsHandler != nil).
		Msg("Multiplexing HTTP and gRPC health on one port")

	go func() {
		if err := s.http.Serve(httpListener); err != nil && err != http.ErrServerClosed && !isClosedErr(err) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		if err := s.grpc.Serve(grpcListener); err != nil && err != grpc.ErrServerStopped && !isClosedErr(err) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()
	go func() {
		if err := s.mux.Serve(); err != nil && !isClosedErr(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return nil
}

func (s *Server) routes() http.Handler {
	httpMux := http.NewServeMux()

	httpMux.HandleFunc("/healthz", s.handleHealthz)

	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if s.config.MetricsHandler != nil {
		httpMux.Handle("/metrics", s.config.MetricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	if s.config.Admin != nil {
		admin.RegisterRoutes(httpMux, s.config.Admin)
	}
	return httpMux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.serving.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting\n"))
		return
	}
	w.Write([]byte("ok\n"))
}

// SetServing flips both the HTTP and gRPC health status
func (s *Server) SetServing(serving bool) {
	s.serving.Store(serving)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Addr returns the bound address, useful when Port is 0
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.grpc == nil {
			return
		}
		log.Info().Msg("Stopping server")
		s.health.Shutdown()
		s.grpc.Stop()
		s.http.Close()
		s.listener.Close()
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, net.ErrClosed)
}
