// Package server exposes remote command execution over HTTP. Output is
// streamed to the caller as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"remoteshell/pkg/define"
	"remoteshell/pkg/session"
	"remoteshell/pkg/ssh"

	"github.com/sirupsen/logrus"
)

const (
	healthzURL = "/healthz"
	execURL    = "/exec"
)

// runFunc executes req and reports output through emit.
type runFunc func(ctx context.Context, req *ExecRequest, emit func(string)) (int, error)

type Server struct {
	listen string
	loop   session.Loop
	client *ssh.ClientConfig
	sse    *sseServer
	mux    *http.ServeMux
	run    runFunc
}

// New returns a server that opens sessions on loop. listen is a unix:// or
// tcp:// address.
func New(listen string, loop session.Loop, client *ssh.ClientConfig) *Server {
	s := &Server{
		listen: listen,
		loop:   loop,
		client: client,
		sse:    newSSEServer(),
		mux:    http.NewServeMux(),
	}
	s.run = s.execute
	s.registerRouter()
	return s
}

func (s *Server) registerRouter() {
	s.mux.HandleFunc(healthzURL, s.handleHealthz)
	s.mux.HandleFunc(execURL, s.handleExec)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	addr, err := ParseAddr(s.listen)
	if err != nil {
		return fmt.Errorf("failed to parse listen address: %w", err)
	}

	ln, cleanup, err := listen(addr)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{Handler: s.mux}

	errChan := make(chan error, 1)
	go func() {
		logrus.Infof("starting exec API server on %q", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	defer func() {
		_ = srv.Close()
		_ = ln.Close()
		logrus.Infof("exec API server stopped")
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("exec API server error: %w", err)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": define.Version})
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(value); err != nil {
		logrus.Errorf("failed to encode json response: %v", err)
	}
}
