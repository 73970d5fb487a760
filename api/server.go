// Package api serves the mapping control channel. The LF controller pushes
// low frequency mappings and virtual subnets, peer gateways push their high
// frequency additions and revocations.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/dosgo/goMtdGate/metrics"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "api")

const (
	MappingPath = "/v1.0/nas_mapping"
	MetricsPath = "/metrics"

	maxBodyBytes = 1 << 20
)

// Receiver applies the parts of a mapping message.
type Receiver interface {
	SetLfMapping(ctx context.Context, lf LF) error
	AddHfMapping(ctx context.Context, t mapping.Table) error
	RevokeHfMapping(ctx context.Context, t mapping.Table) error
	SetVirtualSubnets(ctx context.Context, subnets []netip.Prefix) error
}

type Server struct {
	receiver Receiver
	router   *mux.Router
	srv      *http.Server
}

func NewServer(addr string, r Receiver, withMetrics bool) *Server {
	s := &Server{receiver: r, router: mux.NewRouter()}
	s.router.HandleFunc(MappingPath, s.putMapping).Methods(http.MethodPut)
	s.router.HandleFunc(MappingPath, notImplemented).Methods(http.MethodGet)
	if withMetrics {
		s.router.Handle(MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", s.srv.Addr).Info("Starting control API")
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "control API")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func notImplemented(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Not implemented", http.StatusNotImplemented)
}

func (s *Server) putMapping(w http.ResponseWriter, r *http.Request) {
	scoped := log.WithField("remote", r.RemoteAddr)

	var msg MappingMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&msg); err != nil {
		scoped.WithError(err).Warning("Malformed mapping message")
		http.Error(w, "malformed mapping message", http.StatusBadRequest)
		return
	}
	p, err := msg.parse()
	if err != nil {
		scoped.WithError(err).Warning("Invalid mapping message")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	scoped.WithFields(logrus.Fields{
		"lf":              p.lf != nil,
		"hf_added":        p.added != nil,
		"hf_revoked":      p.revoked != nil,
		"virtual_subnets": p.hasSubnets,
	}).Debug("Received mapping")

	if err := s.apply(r.Context(), p); err != nil {
		scoped.WithError(err).Error("Cannot apply mapping message")
		http.Error(w, "mapping not applied", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// apply hands the message to the receiver. Revocations go before
// additions so an entry revoked and re-added in one message survives.
func (s *Server) apply(ctx context.Context, p *parsed) error {
	if p.lf != nil {
		if err := s.receiver.SetLfMapping(ctx, p.lf); err != nil {
			return err
		}
	}
	if p.revoked != nil {
		if err := s.receiver.RevokeHfMapping(ctx, p.revoked); err != nil {
			return err
		}
	}
	if p.added != nil {
		if err := s.receiver.AddHfMapping(ctx, p.added); err != nil {
			return err
		}
	}
	if p.hasSubnets {
		if err := s.receiver.SetVirtualSubnets(ctx, p.subnets); err != nil {
			return err
		}
	}
	return nil
}
