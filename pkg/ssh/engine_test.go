package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"remoteshell/pkg/errdefs"
	"remoteshell/pkg/scheduler"
	"remoteshell/pkg/session"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newSched(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	return schedWithTick(t, 5*time.Millisecond)
}

func schedWithTick(t *testing.T, tick time.Duration) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.WithTickPeriod(tick))
	if err := s.Startup(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Terminate)
	return s
}

func dial(t *testing.T, sched *scheduler.Scheduler, srv *testServer, cfg *ClientConfig) *session.Session {
	t.Helper()
	ep := session.NewEndpoint("127.0.0.1").WithPort(srv.port).WithTimeout(3 * time.Second)
	s := session.New(ep, NewEngine(cfg), sched)
	if err := s.RequestConnectAndWait(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.RequestDisconnectAndWait(context.Background()) })
	return s
}

func login(t *testing.T, sched *scheduler.Scheduler, srv *testServer) *session.Session {
	t.Helper()
	s := dial(t, sched, srv, NewClientConfig())
	if err := s.AuthenticateWith(context.Background(), session.Password("root", "secret")); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return s
}

func TestExecOverReactor(t *testing.T) {
	sched := newSched(t)
	srv := startServer(t, nil)
	s := login(t, sched, srv)

	if !strings.HasPrefix(s.Banner(), "SSH-2.0-") {
		t.Errorf("banner = %q", s.Banner())
	}
	if want := ssh.FingerprintSHA256(srv.hostKey.PublicKey()); s.Fingerprint() != want {
		t.Errorf("fingerprint = %q, want %q", s.Fingerprint(), want)
	}

	var out strings.Builder
	status, err := s.ExecuteRemote(context.Background(), "echo hello", 5*time.Second, func(p string) {
		out.WriteString(p)
	}, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if status != 0 || out.String() != "hello\n" {
		t.Fatalf("exec = %d %q", status, out.String())
	}

	out.Reset()
	status, err = s.ExecuteRemote(context.Background(), "fail", 5*time.Second, func(p string) {
		out.WriteString(p)
	}, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if status != 3 || out.String() != "boom\n" {
		t.Fatalf("exec = %d %q", status, out.String())
	}
	if s.State() != session.Connected || !s.IsAuthenticated() {
		t.Fatalf("state = %s", s.State())
	}
}

func TestExecLargeOutput(t *testing.T) {
	sched := newSched(t)
	s := login(t, sched, startServer(t, nil))

	n := 0
	status, err := s.ExecuteRemote(context.Background(), "big", 10*time.Second, func(p string) {
		n += len(p)
	}, nil)
	if err != nil || status != 0 {
		t.Fatalf("exec = %d, %v", status, err)
	}
	if n != 1<<20 {
		t.Fatalf("received %d bytes", n)
	}
}

func TestExecCancel(t *testing.T) {
	sched := newSched(t)
	s := login(t, sched, startServer(t, nil))

	calls := 0
	_, err := s.ExecuteRemote(context.Background(), "sleep", 5*time.Second, nil, func() bool {
		calls++
		return calls < 3
	})
	if !errors.Is(err, errdefs.ErrCancelledByCaller) {
		t.Fatalf("got %v", err)
	}
	if s.State() != session.Connected {
		t.Fatalf("state = %s", s.State())
	}

	status, err := s.ExecuteRemote(context.Background(), "echo hello", 5*time.Second, nil, nil)
	if err != nil || status != 0 {
		t.Fatalf("exec after cancel = %d, %v", status, err)
	}
}

func TestWrongPassword(t *testing.T) {
	sched := newSched(t)
	s := dial(t, sched, startServer(t, nil), NewClientConfig())
	err := s.AuthenticateWith(context.Background(), session.Password("root", "nope"))
	if !errors.Is(err, errdefs.ErrAuthentication) {
		t.Fatalf("got %v", err)
	}
	if s.State() != session.Failed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestShellEcho(t *testing.T) {
	sched := newSched(t)
	srv := startServer(t, nil)
	s := login(t, sched, srv)

	var mu sync.Mutex
	input := []string{"hi\n", "exit\n"}
	var out strings.Builder
	status, err := s.OpenShellWithTerminal(context.Background(), session.ShellOptions{
		PTY:          session.PTYRequest{Term: "xterm", Width: 80, Height: 24},
		TerminalSize: func() (int, int) { return 120, 40 },
		WriteData: func() []byte {
			mu.Lock()
			defer mu.Unlock()
			if len(input) == 0 {
				return nil
			}
			p := input[0]
			input = input[1:]
			return []byte(p)
		},
		OnOutput: func(p string) { out.WriteString(p) },
	})
	if err != nil || status != 0 {
		t.Fatalf("shell = %d, %v", status, err)
	}
	if !strings.Contains(out.String(), "hi\n") {
		t.Fatalf("output = %q", out.String())
	}
	deadline := time.Now().Add(time.Second)
	for srv.resizeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.resizeCount() == 0 {
		t.Fatal("resize not delivered")
	}
}

func TestPrivateKeyAuth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	kp, err := GenerateKeyPair(path, DefaultKeyGenOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(kp.PublicKeyPath()); err != nil {
		t.Fatalf("public key not written: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(kp.RawPrivateKey())
	if err != nil {
		t.Fatal(err)
	}

	sched := newSched(t)
	s := dial(t, sched, startServer(t, signer.PublicKey()), NewClientConfig())
	if err := s.AuthenticateWith(context.Background(), session.PrivateKeyFile("root", kp.PrivateKeyPath(), "")); err != nil {
		t.Fatalf("key auth: %v", err)
	}
}

func TestKnownHostsTrustOnFirstUse(t *testing.T) {
	known := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	sched := newSched(t)
	srv := startServer(t, nil)

	s := dial(t, sched, srv, NewClientConfig().WithKnownHosts(known, true))
	if err := s.AuthenticateWith(context.Background(), session.Password("root", "secret")); err != nil {
		t.Fatalf("first use: %v", err)
	}
	data, err := os.ReadFile(known)
	if err != nil || !strings.Contains(string(data), "ssh-ed25519") {
		t.Fatalf("known_hosts = %q, %v", data, err)
	}

	s = dial(t, sched, srv, NewClientConfig().WithKnownHosts(known, false))
	if err := s.AuthenticateWith(context.Background(), session.Password("root", "secret")); err != nil {
		t.Fatalf("known host rejected: %v", err)
	}

	other := startServer(t, nil)
	line := knownhosts.Line([]string{knownhosts.Normalize(net.JoinHostPort("127.0.0.1", strconv.Itoa(other.port)))}, srv.hostKey.PublicKey())
	f, err := os.OpenFile(known, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(line + "\n")
	f.Close()

	s = dial(t, sched, other, NewClientConfig().WithKnownHosts(known, true))
	if err := s.AuthenticateWith(context.Background(), session.Password("root", "secret")); !errors.Is(err, errdefs.ErrAuthentication) {
		t.Fatalf("changed host key accepted: %v", err)
	}
}

func TestDialRemote(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	sched := newSched(t)
	s := login(t, sched, startServer(t, nil))
	port := echo.Addr().(*net.TCPAddr).Port
	conn, err := s.DialRemote(context.Background(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("read %q, %v", buf, err)
	}
}

func TestCommandString(t *testing.T) {
	if got := CommandString("echo", "hello world", "$HOME"); got != `echo 'hello world' '$HOME'` {
		t.Fatalf("got %s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := NewClientConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg := NewClientConfig()
	cfg.AcceptNew = true
	if err := cfg.Validate(); !errors.Is(err, errdefs.ErrInvalidConfig) {
		t.Fatalf("got %v", err)
	}
}

func TestParseKeyType(t *testing.T) {
	for _, name := range []string{"", "ed25519", "RSA", "ecdsa"} {
		if _, err := ParseKeyType(name); err != nil {
			t.Errorf("%q: %v", name, err)
		}
	}
	if _, err := ParseKeyType("dsa"); err == nil {
		t.Error("dsa accepted")
	}
}

func TestOpen(t *testing.T) {
	sched := newSched(t)
	srv := startServer(t, nil)
	ep := session.NewEndpoint("127.0.0.1").WithPort(srv.port).WithTimeout(3 * time.Second)

	s, err := Open(context.Background(), sched, ep, session.Password("root", "secret"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !s.IsAuthenticated() {
		t.Fatalf("state = %s", s.State())
	}
	_ = s.RequestDisconnectAndWait(context.Background())

	_, err = Open(context.Background(), sched, ep, session.Password("root", "nope"), nil)
	if !errors.Is(err, errdefs.ErrAuthentication) {
		t.Fatalf("got %v, want authentication error", err)
	}
}

// Handshake, authentication and channel output all finish off the loop;
// none of them should wait for a tick.
func TestExecWithoutTicks(t *testing.T) {
	sched := schedWithTick(t, time.Minute)
	srv := startServer(t, nil)
	ep := session.NewEndpoint("127.0.0.1").WithPort(srv.port).WithTimeout(3 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Open(ctx, sched, ep, session.Password("root", "secret"), nil, session.WithKeepalive(0, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.RequestDisconnectAndWait(context.Background()) })

	var out strings.Builder
	status, err := s.ExecuteRemote(ctx, "echo hello", 5*time.Second, func(p string) {
		out.WriteString(p)
	}, nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if status != 0 || out.String() != "hello\n" {
		t.Fatalf("exec = %d %q", status, out.String())
	}
}
