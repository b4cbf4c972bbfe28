// Package web pushes estimates to browsers over a websocket and serves the
// latest estimate per source as JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	Hub *Hub

	sources func() interface{}
	mu      sync.Mutex
	srv     *http.Server
}

// NewServer serves sources() at /sources. sources may be nil.
func NewServer(sources func() interface{}) *Server {
	return &Server{
		Hub:     NewHub(),
		sources: sources,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(s.Hub, w, r)
	})
	mux.HandleFunc("/sources", func(w http.ResponseWriter, r *http.Request) {
		var v interface{} = []interface{}{}
		if s.sources != nil {
			v = s.sources()
		}
		writeJSON(w, v)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]int{"clients": s.Hub.Clients()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("web: encode response")
	}
}

// Start runs the hub and serves HTTP on port until Shutdown.
func (s *Server) Start(port int) error {
	go s.Hub.Run()

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	log.WithField("addr", addr).Info("web: HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Stop()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
