package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "ilswbot/pkg/logx"
)

func TestHTTPProberMapsBody(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   Result
	}{
		{"awake", 200, "JA", Awake},
		{"asleep", 200, "NEIN", Asleep},
		{"trailing newline", 200, "JA\n", Awake},
		{"case differs", 200, "ja", Unrecognized},
		{"other body", 200, "maybe", Unrecognized},
		{"empty body", 200, "", Unrecognized},
		{"server error", 500, "JA", Unavailable},
		{"not found", 404, "NEIN", Unavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewHTTP(Config{URL: srv.URL}, srv.Client(), logx.Nop())
			if got := p.Probe(context.Background()); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestHTTPProberCustomTokens(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("yes"))
	}))
	defer srv.Close()

	p := NewHTTP(Config{URL: srv.URL}, srv.Client(), logx.Nop())
	if got := p.Probe(context.Background()); got != Unrecognized {
		t.Fatalf("default tokens: got %v", got)
	}
	p.Apply(Config{URL: srv.URL, AwakeToken: "yes", AsleepToken: "no"})
	if got := p.Probe(context.Background()); got != Awake {
		t.Fatalf("after apply: got %v", got)
	}
}

func TestHTTPProberTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTP(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), logx.Nop())
	start := time.Now()
	if got := p.Probe(context.Background()); got != Unavailable {
		t.Fatalf("got %v want unavailable", got)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("probe not bounded by timeout: %v", took)
	}
}

func TestHTTPProberUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewHTTP(Config{URL: url, Timeout: time.Second}, nil, logx.Nop())
	if got := p.Probe(context.Background()); got != Unavailable {
		t.Fatalf("got %v want unavailable", got)
	}
}

func TestHTTPProberNoURL(t *testing.T) {
	t.Parallel()
	p := NewHTTP(Config{}, nil, logx.Nop())
	if got := p.Probe(context.Background()); got != Unavailable {
		t.Fatalf("got %v want unavailable", got)
	}
}

func TestResultOK(t *testing.T) {
	t.Parallel()
	for r, want := range map[Result]bool{Awake: true, Asleep: true, Unavailable: false, Unrecognized: false} {
		if r.OK() != want {
			t.Fatalf("%v.OK() = %v", r, r.OK())
		}
	}
}
