package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/session"
	"remoteshell/pkg/ssh"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// closeDelay lets the final event reach the client before the stream ends.
const closeDelay = 250 * time.Millisecond

// ExecRequest is the body of POST /exec.
type ExecRequest struct {
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"`
	User     string   `json:"user,omitempty"`
	Password string   `json:"password,omitempty"`
	Identity string   `json:"identity,omitempty"`
	Command  []string `json:"command"`
	Timeout  string   `json:"timeout,omitempty"`

	timeout time.Duration
}

// normalize fills defaults and validates the request.
func (req *ExecRequest) normalize() error {
	var errs []error
	if req.Host == "" {
		errs = append(errs, errors.New("host cannot be empty"))
	}
	if len(req.Command) == 0 {
		errs = append(errs, errors.New("command cannot be empty"))
	}
	if req.Password == "" && req.Identity == "" {
		errs = append(errs, errors.New("password or identity is required"))
	}
	if req.Port == 0 {
		req.Port = define.DefaultSSHPort
	}
	if req.User == "" {
		req.User = define.DefaultGuestUser
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("timeout: %w", err))
		}
		req.timeout = d
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{errdefs.ErrInvalidConfig}, errs...)...)
}

func (req *ExecRequest) credentials() session.Credentials {
	if req.Identity != "" {
		return session.PrivateKeyFile(req.User, req.Identity, "")
	}
	return session.Password(req.User, req.Password)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}
	if err := req.normalize(); err != nil {
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	topic := "exec-" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithValue(r.Context(), topicKey, topic))
	defer cancel()

	go func() {
		out := newOutbox(func(data string) { s.sse.publish(topic, TypeOut, data) })
		status, err := s.run(ctx, &req, out.push)
		out.close()

		if err != nil {
			logrus.Debugf("%s: exec failed: %v", topic, err)
			s.sse.publish(topic, TypeErr, err.Error())
		} else {
			s.sse.publish(topic, TypeDone, strconv.Itoa(status))
		}
		time.AfterFunc(closeDelay, cancel)
	}()

	s.sse.ServeHTTP(w, r.WithContext(ctx))
}

func (s *Server) execute(ctx context.Context, req *ExecRequest, emit func(string)) (int, error) {
	ep := session.NewEndpoint(req.Host).WithPort(req.Port)
	sess, err := ssh.Open(ctx, s.loop, ep, req.credentials(), s.client)
	if err != nil {
		return -1, err
	}
	defer func() {
		if err := sess.RequestDisconnectAndWait(context.WithoutCancel(ctx)); err != nil {
			logrus.Debugf("%s: disconnect: %v", ep, err)
		}
	}()

	return sess.ExecuteRemote(ctx, ssh.CommandString(req.Command...), req.timeout, emit, nil)
}

// outbox moves output off the event loop. push never blocks; a goroutine
// hands queued chunks to send in order.
type outbox struct {
	mu      sync.Mutex
	chunks  *queue.Queue
	closed  bool
	notify  chan struct{}
	drained chan struct{}
}

func newOutbox(send func(string)) *outbox {
	o := &outbox{
		chunks:  queue.New(),
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	go o.drain(send)
	return o
}

func (o *outbox) push(data string) {
	o.mu.Lock()
	o.chunks.Add(data)
	o.mu.Unlock()
	o.signal()
}

// close waits until every pushed chunk was sent.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
	<-o.drained
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) drain(send func(string)) {
	defer close(o.drained)
	for range o.notify {
		for {
			o.mu.Lock()
			if o.chunks.Length() == 0 {
				closed := o.closed
				o.mu.Unlock()
				if closed {
					return
				}
				break
			}
			c := o.chunks.Remove().(string)
			o.mu.Unlock()
			send(c)
		}
	}
}
