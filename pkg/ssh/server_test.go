package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server: password and public key
// auth, exec, pty shells that echo input, keepalives and direct-tcpip.
type testServer struct {
	port      int
	hostKey   ssh.Signer
	authorize ssh.PublicKey

	mu      sync.Mutex
	resizes [][2]uint32
}

func startServer(t *testing.T, authorize ssh.PublicKey) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	srv := &testServer{hostKey: signer, authorize: authorize}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pw) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if srv.authorize != nil && bytes.Equal(key.Marshal(), srv.authorize.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	srv.port = l.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go srv.serve(c, cfg)
		}
	}()
	return srv
}

func (s *testServer) serve(c net.Conn, cfg *ssh.ServerConfig) {
	defer c.Close()
	_, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()
	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			ch, creqs, err := nc.Accept()
			if err != nil {
				continue
			}
			go s.session(ch, creqs)
		case "direct-tcpip":
			var p struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
				_ = nc.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
			if err != nil {
				_ = nc.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, creqs, err := nc.Accept()
			if err != nil {
				target.Close()
				continue
			}
			go ssh.DiscardRequests(creqs)
			go func() {
				defer ch.Close()
				defer target.Close()
				go func() {
					_, _ = io.Copy(target, ch)
					if tc, ok := target.(*net.TCPConn); ok {
						_ = tc.CloseWrite()
					}
				}()
				_, _ = io.Copy(ch, target)
			}()
		default:
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func exitStatus(ch ssh.Channel, status uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	_ = ch.Close()
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &p)
			_ = req.Reply(true, nil)
			go s.exec(ch, p.Command)
		case "pty-req", "env":
			_ = req.Reply(true, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]uint32{
					binary.BigEndian.Uint32(req.Payload[0:4]),
					binary.BigEndian.Uint32(req.Payload[4:8]),
				})
				s.mu.Unlock()
			}
		case "shell":
			_ = req.Reply(true, nil)
			go echoShell(ch)
		case "signal":
			_ = ch.Close()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) exec(ch ssh.Channel, command string) {
	switch command {
	case "echo hello":
		_, _ = ch.Write([]byte("hello\n"))
		exitStatus(ch, 0)
	case "fail":
		_, _ = ch.Stderr().Write([]byte("boom\n"))
		exitStatus(ch, 3)
	case "big":
		_, _ = ch.Write(bytes.Repeat([]byte("x"), 1<<20))
		exitStatus(ch, 0)
	default:
		_, _ = io.Copy(io.Discard, ch)
		_ = ch.Close()
	}
}

func echoShell(ch ssh.Channel) {
	var seen []byte
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			_, _ = ch.Write(buf[:n])
			seen = append(seen, buf[:n]...)
			if bytes.Contains(seen, []byte("exit\n")) {
				exitStatus(ch, 0)
				return
			}
		}
		if err != nil {
			_ = ch.Close()
			return
		}
	}
}

func (s *testServer) resizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resizes)
}
