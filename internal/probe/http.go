package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	logx "ilswbot/pkg/logx"
)

const (
	DefaultAwakeToken  = "JA"
	DefaultAsleepToken = "NEIN"
	DefaultTimeout     = 10 * time.Second

	// status bodies are a short literal; anything longer is not a token
	maxBodyBytes = 4 << 10
)

// Config is the hot-reloadable part of the HTTP prober.
type Config struct {
	URL         string
	AwakeToken  string
	AsleepToken string
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSpace(c.URL)
	if strings.TrimSpace(c.AwakeToken) == "" {
		c.AwakeToken = DefaultAwakeToken
	}
	if strings.TrimSpace(c.AsleepToken) == "" {
		c.AsleepToken = DefaultAsleepToken
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// HTTPProber issues one GET per probe and maps the trimmed body to a Result.
type HTTPProber struct {
	client *http.Client
	log    logx.Logger
	cfg    atomic.Pointer[Config]
}

func NewHTTP(cfg Config, client *http.Client, log logx.Logger) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &HTTPProber{client: client, log: log.With(logx.String("comp", "probe"))}
	p.Apply(cfg)
	return p
}

// Apply swaps the configuration. In-flight probes keep the old one.
func (p *HTTPProber) Apply(cfg Config) {
	c := cfg.withDefaults()
	p.cfg.Store(&c)
}

func (p *HTTPProber) Probe(ctx context.Context) Result {
	cfg := *p.cfg.Load()
	if cfg.URL == "" {
		p.log.Warn("status url not configured")
		return Unavailable
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	body, status, err := p.fetch(ctx, cfg.URL)
	if err != nil {
		lvl := p.log.Warn
		if errors.Is(err, context.Canceled) {
			lvl = p.log.Debug
		}
		lvl("status request failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return Unavailable
	}
	if status < 200 || status > 299 {
		p.log.Warn("status source error", logx.Int("status", status))
		return Unavailable
	}

	switch strings.TrimSpace(body) {
	case cfg.AwakeToken:
		return Awake
	case cfg.AsleepToken:
		return Asleep
	default:
		p.log.Warn("unrecognized status body", logx.String("body", truncate(body, 64)))
		return Unrecognized
	}
}

func (p *HTTPProber) fetch(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
