// Package proxy is the request-serving layer driven by the handover
// coordinator. It accepts connections on the listener set, reverse-proxies
// each service to its configured upstream, and reports connection lifecycle
// events to the drain supervisor.
package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/motya-proxy/motya/drain"
	"github.com/motya-proxy/motya/handover"
)

// Service is one configured proxy service: a logical id, a bind address,
// and the upstream requests are forwarded to.
type Service struct {
	ID       string
	Network  string
	Addr     string
	Upstream *url.URL
}

// Server serves the configured services on a handover listener set.
type Server struct {
	services []Service
	sup      *drain.Supervisor
	l        log15.Logger

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// Option is an option function for Server.
type Option func(s *Server)

// WithLogger configures the logger used by the server. By default, nothing
// is logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Server) {
		s.l = l
	}
}

// NewServer constructs a server for the given services. Connection open and
// close events are reported to the supervisor, which refuses admission once
// draining has begun.
func NewServer(services []Service, sup *drain.Supervisor, opts ...Option) *Server {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &Server{
		services:  services,
		sup:       sup,
		l:         noopLogger,
		listeners: make(map[string]net.Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAccepting begins serving every configured service from the set,
// binding fresh listeners for services the set does not hold. When the set
// is locked for a transfer, services whose descriptors were already handed
// off are skipped rather than re-bound.
func (s *Server) StartAccepting(ctx context.Context, set *handover.ListenerSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		ln, err := set.Listener(svc.ID)
		if err != nil {
			return err
		}
		if ln == nil {
			ln, err = set.Listen(ctx, svc.ID, svc.Network, svc.Addr)
			if err != nil {
				cause := errors.Cause(err)
				if cause == handover.ErrTransferInProgress || cause == handover.ErrTransferCompleted {
					s.l.Warn("listener was already handed off, not resuming", "service", svc.ID)
					continue
				}
				return err
			}
		}
		s.listeners[svc.ID] = ln

		srv := &http.Server{
			Handler:   s.handler(svc),
			ConnState: s.trackConn,
		}
		go func(svc Service, srv *http.Server, ln net.Listener) {
			err := srv.Serve(ln)
			if err != nil && err != http.ErrServerClosed {
				// closing the listener during a handover surfaces here
				s.l.Debug("serve loop ended", "service", svc.ID, "err", err)
			}
		}(svc, srv, ln)
		s.l.Info("accepting connections", "service", svc.ID, "addr", ln.Addr(), "upstream", svc.Upstream)
	}
	return nil
}

// StopAccepting ceases accepting new connections on every service by
// closing the accept-side listeners. In-flight connections are untouched;
// the underlying sockets stay open in the listener set for transfer.
func (s *Server) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			s.l.Error("error closing accept listener", "service", id, "err", err)
		}
	}
	s.listeners = make(map[string]net.Listener)
	s.l.Info("stopped accepting new connections")
}

// trackConn reports connection lifecycle events to the drain supervisor. A
// connection refused admission (drain already begun) is closed immediately,
// never queued.
func (s *Server) trackConn(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		if err := s.sup.Register(c); err != nil {
			s.l.Debug("refusing connection", "remote", c.RemoteAddr(), "reason", err)
			c.Close()
		}
	case http.StateHijacked, http.StateClosed:
		s.sup.Deregister(c)
	}
}

func (s *Server) handler(svc Service) http.Handler {
	rp := httputil.NewSingleHostReverseProxy(svc.Upstream)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.l.Error("upstream error", "service", svc.ID, "upstream", svc.Upstream, "err", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return s.instrument(svc.ID, rp)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(serviceID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestsTotal.WithLabelValues(serviceID, strconv.Itoa(rec.status)).Inc()
		requestDuration.WithLabelValues(serviceID).Observe(time.Since(start).Seconds())
	})
}
