package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/scheduler"
	"remoteshell/pkg/session"
)

type doneStep struct{}

func (doneStep) WantsRead() bool  { return true }
func (doneStep) WantsWrite() bool { return false }
func (doneStep) Step(time.Time) (session.StepResult, error) {
	return session.Finished, nil
}

// directEngine authenticates immediately and dials targets from the local
// host, standing in for a remote side.
type directEngine struct{}

func (directEngine) Handshake(net.Conn, string) session.Stepper { return doneStep{} }
func (directEngine) Authenticate(session.Credentials) session.Stepper { return doneStep{} }
func (directEngine) Keepalive() session.Stepper { return nil }
func (directEngine) OpenExec(string) session.Channel { return nil }
func (directEngine) OpenShell(session.PTYRequest) session.Channel { return nil }
func (directEngine) Banner() string { return "SSH-2.0-direct" }
func (directEngine) Fingerprint() string { return "" }
func (directEngine) Close() error { return nil }

func (directEngine) DialRemote(ctx context.Context, host string, port int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func listen(t *testing.T, handle func(net.Conn)) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func authenticated(t *testing.T) (*session.Session, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New(scheduler.WithTickPeriod(5 * time.Millisecond))
	if err := sched.Startup(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sched.Terminate)

	port := listen(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	s := session.New(session.NewEndpoint("127.0.0.1").WithPort(port), directEngine{}, sched)
	ctx := context.Background()
	if err := s.RequestConnectAndWait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.AuthenticateWith(ctx, session.Password("root", "x")); err != nil {
		t.Fatal(err)
	}
	return s, sched
}

func TestForwardBridgesConnections(t *testing.T) {
	s, sched := authenticated(t)
	target := listen(t, func(c net.Conn) {
		defer c.Close()
		_, _ = io.Copy(c, c)
	})

	h, err := StartLocal(s, sched, 0, "127.0.0.1", target, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Cancel()
	if h.BoundPort() == 0 {
		t.Fatal("no bound port")
	}

	for range 2 {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(h.BoundPort())))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 4)
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
			t.Fatalf("read %q, %v", buf, err)
		}
		c.Close()
	}
}

func TestForwardStopsOnContinuation(t *testing.T) {
	s, sched := authenticated(t)
	keep := make(chan struct{})
	h, err := StartLocal(s, sched, 0, "127.0.0.1", 9, func() bool {
		select {
		case <-keep:
			return false
		default:
			return true
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	close(keep)
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("forward did not stop")
	}
	if h.Err() != nil {
		t.Fatalf("err = %v", h.Err())
	}
	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(h.BoundPort())), time.Second); err == nil {
		t.Fatal("listener still accepting")
	}
}

func TestForwardStopsOnDisconnect(t *testing.T) {
	s, sched := authenticated(t)
	h, err := StartLocal(s, sched, 0, "127.0.0.1", 9, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RequestDisconnectAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("forward outlived its session")
	}
	if !errors.Is(h.Err(), errdefs.ErrDisconnected) {
		t.Fatalf("err = %v", h.Err())
	}
}

func TestForwardRequiresAuthentication(t *testing.T) {
	sched := scheduler.New()
	s := session.New(session.NewEndpoint("127.0.0.1"), directEngine{}, sched)
	if _, err := StartLocal(s, sched, 0, "127.0.0.1", 22, nil); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("got %v", err)
	}
}
