package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type event struct {
	typ, data string
}

// readEvents collects events until a done or error event.
func readEvents(t *testing.T, r io.Reader) []event {
	t.Helper()
	var (
		events []event
		cur    event
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.typ = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if cur.data != "" {
				cur.data += "\n"
			}
			cur.data += strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		case line == "":
			if cur.typ == "" && cur.data == "" {
				continue
			}
			events = append(events, cur)
			if cur.typ == TypeDone || cur.typ == TypeErr {
				return events
			}
			cur = event{}
		}
	}
	return events
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+execURL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const validBody = `{"host":"127.0.0.1","password":"x","command":["echo","hi"]}`

func TestExecStreamsOutput(t *testing.T) {
	s := New("tcp://127.0.0.1:0", nil, nil)
	var got *ExecRequest
	s.run = func(ctx context.Context, req *ExecRequest, emit func(string)) (int, error) {
		got = req
		time.Sleep(100 * time.Millisecond)
		emit("hi")
		emit("there")
		return 7, nil
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := post(t, ts.URL, validBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events := readEvents(t, resp.Body)
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].typ != TypeOut || events[0].data != "hi" || events[1].data != "there" {
		t.Errorf("output events = %+v", events[:2])
	}
	if events[2].typ != TypeDone || events[2].data != "7" {
		t.Errorf("final event = %+v", events[2])
	}
	if got.Port != 22 || got.User != "root" {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestExecReportsError(t *testing.T) {
	s := New("tcp://127.0.0.1:0", nil, nil)
	s.run = func(context.Context, *ExecRequest, func(string)) (int, error) {
		time.Sleep(100 * time.Millisecond)
		return -1, errors.New("connection refused")
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	events := readEvents(t, post(t, ts.URL, validBody).Body)
	if len(events) != 1 || events[0].typ != TypeErr || events[0].data != "connection refused" {
		t.Fatalf("events = %+v", events)
	}
}

func TestExecRejectsBadRequests(t *testing.T) {
	ts := httptest.NewServer(New("tcp://127.0.0.1:0", nil, nil).Handler())
	defer ts.Close()

	for _, body := range []string{
		"{",
		`{"password":"x","command":["ls"]}`,
		`{"host":"h","password":"x"}`,
		`{"host":"h","command":["ls"]}`,
		`{"host":"h","password":"x","command":["ls"],"timeout":"soon"}`,
	} {
		if resp := post(t, ts.URL, body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + execURL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /exec = %d", resp.StatusCode)
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		raw     string
		want    Addr
		wantErr bool
	}{
		{raw: "unix:///tmp/x.sock", want: Addr{Scheme: "unix", Path: "/tmp/x.sock"}},
		{raw: "tcp://127.0.0.1:8080", want: Addr{Scheme: "tcp", Host: "127.0.0.1", Port: 8080}},
		{raw: "tcp://[::1]:9", want: Addr{Scheme: "tcp", Host: "::1", Port: 9}},
		{raw: "/tmp/x.sock", wantErr: true},
		{raw: "unix://", wantErr: true},
		{raw: "tcp://host", wantErr: true},
		{raw: "tcp://host:99999", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.raw, err)
			continue
		}
		if *got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.raw, *got, tt.want)
		}
	}
}

func TestServeUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.sock")
	s := New("unix://"+path, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}}

	var resp *http.Response
	var err error
	for range 50 {
		if resp, err = client.Get("http://unix" + healthzURL); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("healthz = %d %s", resp.StatusCode, body)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("serve returned %v", err)
	}
}

func TestOutboxKeepsOrder(t *testing.T) {
	var got []string
	o := newOutbox(func(s string) { got = append(got, s) })
	want := []string{"a", "b", "c", "d"}
	for _, s := range want {
		o.push(s)
	}
	o.close()
	if strings.Join(got, "") != strings.Join(want, "") {
		t.Fatalf("sent %q, want %q", got, want)
	}
}
