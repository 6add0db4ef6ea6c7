package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler routes the websocket endpoint and a health probe.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.ws).Methods("GET")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	return r
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("upgrade: %v", err)
		return
	}
	c := &Client{
		s:      s,
		conn:   conn,
		handle: uuid.NewString(),
		state:  Connecting,
	}
	log.Debugf("%s: connection from %s", c.handle, r.RemoteAddr)
	go c.readPump()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// ListenAndServe runs the relay loop and serves it on port until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		Addr:              fmt.Sprintf(":%d", port),
		ReadHeaderTimeout: 15 * time.Second,
	}

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.Run(loopCtx)

	errc := make(chan error, 1)
	go func() {
		log.Noticef("relay listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		<-s.done
		return nil
	}
}
