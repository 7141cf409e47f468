package notifier

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ilswbot/internal/eventbus"
	"ilswbot/internal/probe"
	rtsup "ilswbot/internal/runtime/supervisor"
	"ilswbot/internal/storage"
	kit "ilswbot/internal/transport"
	logx "ilswbot/pkg/logx"
)

// WaitingLister is the read side of storage the notifier uses.
type WaitingLister interface {
	ListWaiting(ctx context.Context) ([]storage.Subscriber, error)
}

// Service runs the wake-notification tick.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	store  WaitingLister
	prober probe.Prober
	marker Marker
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	c     *cron.Cron
	entry cron.EntryID
	job   cron.Job
	sup   *rtsup.Supervisor

	last atomic.Pointer[TickReport]
}

func New(cfg Config, sender Sender, store WaitingLister, prober probe.Prober, marker Marker, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		store:  store,
		prober: prober,
		marker: marker,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

func normalize(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.WakeText) == "" {
		cfg.WakeText = DefaultWakeText
	}
	return cfg
}

// Apply swaps the configuration. A changed interval reschedules the tick
// when the service is running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg.Interval
	s.applyLocked(cfg)
	if s.c != nil && s.cfg.Interval != prev {
		s.c.Remove(s.entry)
		s.entry = s.c.Schedule(cron.Every(s.cfg.Interval), s.job)
		s.log.Info("tick rescheduled", logx.Duration("every", s.cfg.Interval))
	}
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = normalize(cfg)
	// burst = rate per sec so a small wake batch goes out at once
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start schedules the tick and fires the first one immediately. Start is
// idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// a failed tick must not take the process down
		rtsup.WithCancelOnError(false),
	)
	runCtx := s.sup.Context()

	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	// Wrapping once shares the skip lock between the cron entry and the first run.
	s.job = cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.Tick(runCtx)
	}))
	s.entry = s.c.Schedule(cron.Every(s.cfg.Interval), s.job)
	s.c.Start()

	job := s.job
	s.sup.Go0("tick.first", func(context.Context) { job.Run() })
	s.log.Info("notifier started", logx.Duration("every", s.cfg.Interval))
}

// Stop halts scheduling and waits for a running tick until ctx expires, then
// cancels in-flight sends.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup, s.job = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	err := sup.Stop(ctx)
	s.log.Info("notifier stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Tick runs one poll-and-deliver cycle.
func (s *Service) Tick(ctx context.Context) (rep TickReport) {
	start := time.Now()
	defer func() {
		rep.At, rep.Took = start, time.Since(start)
		r := rep
		s.last.Store(&r)
	}()

	waiting, err := s.store.ListWaiting(ctx)
	if err != nil {
		s.log.Warn("list waiting failed", logx.Err(err))
		return rep
	}
	rep.Waiting = len(waiting)
	if len(waiting) == 0 {
		return rep
	}

	rep.Probed = true
	rep.Result = s.prober.Probe(ctx)
	s.bus.Publish(eventbus.Event{Type: eventbus.ProbeCompleted, Data: rep.Result.String()})
	if rep.Result != probe.Awake {
		s.log.Debug("still waiting", logx.Int("waiting", len(waiting)), logx.String("result", rep.Result.String()))
		return rep
	}

	cfg, lim := s.snapshot()
	var sent, failed, cleared, unmarked atomic.Int32

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, sub := range waiting {
		g.Go(func() error {
			switch s.deliver(ctx, cfg, lim, sub) {
			case outcomeSent:
				sent.Add(1)
			case outcomeCleared:
				cleared.Add(1)
			case outcomeUnmarked:
				unmarked.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Sent, rep.Failed, rep.Cleared = int(sent.Load()), int(failed.Load()), int(cleared.Load())
	rep.Unmarked = int(unmarked.Load())
	fields := []logx.Field{
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("cleared", rep.Cleared),
		logx.Int("unmarked", rep.Unmarked),
		logx.Duration("took", time.Since(start)),
	}
	if rep.Failed > 0 || rep.Unmarked > 0 {
		s.log.Warn("wake delivered with errors", fields...)
	} else {
		s.log.Info("wake delivered", fields...)
	}
	return rep
}

// LastTick returns the report of the most recent tick; ok is false before
// the first one finished.
func (s *Service) LastTick() (rep TickReport, ok bool) {
	if p := s.last.Load(); p != nil {
		return *p, true
	}
	return TickReport{}, false
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSent
	outcomeCleared
	outcomeUnmarked
)

func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, sub storage.Subscriber) outcome {
	log := s.log.With(logx.Int64("chat_id", sub.ChatID))

	if !sub.Active {
		// Inactive chats opted out of messages; the wake still ends their wait.
		if err := s.marker.MarkNotified(ctx, sub.ChatID); err != nil {
			log.Warn("clear inactive waiter failed", logx.Err(err))
			return outcomeFailed
		}
		return outcomeCleared
	}

	attempts, err := s.sendWithRetry(ctx, cfg, lim, sub.ChatID)
	if err != nil {
		log.Warn("wake send failed", logx.Err(err), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.WakeFailed, ChatID: sub.ChatID, Data: DeliveryEvent{Attempts: attempts, Error: err.Error()}})
		return outcomeFailed
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.WakeDelivered, ChatID: sub.ChatID, Data: DeliveryEvent{Attempts: attempts}})

	// The message is out; clearing the flag must outlive a shutdown cancel.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer cancel()
	if err := s.marker.MarkNotified(markCtx, sub.ChatID); err != nil {
		// Delivered but still flagged; the chat may get the message again next wake.
		log.Error("mark notified failed", logx.Err(err))
		return outcomeUnmarked
	}
	return outcomeSent
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, chatID int64) (int, error) {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, kit.ChatTarget{ChatID: chatID}, cfg.WakeText, nil)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Debug("wake send attempt failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		}
	}
	return maxAttempts, lastErr
}

// retryDelay is the wait before attempt+1: exponential from RetryBase, capped
// at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
