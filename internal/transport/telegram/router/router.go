// Package router turns inbound chat updates into subscription operations.
//
// /start, /stop and /status map to Activate, Deactivate and Status. Any other
// text that is not a slash command goes to HandleQuery. Unknown commands are
// ignored. Each update runs on a bounded worker pool behind panic recovery,
// request logging and a timeout.
package router

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ilswbot/internal/runtime/supervisor"
	"ilswbot/internal/subscription"
	kit "ilswbot/internal/transport"
	logx "ilswbot/pkg/logx"
)

// Subscriptions is what the router needs from subscription.Manager.
type Subscriptions interface {
	Activate(ctx context.Context, chatID int64) (string, error)
	Deactivate(ctx context.Context, chatID int64) (string, error)
	Status(ctx context.Context, chatID int64) (string, error)
	HandleQuery(ctx context.Context, q subscription.Query) (subscription.Reply, error)
	Texts() subscription.Texts
}

// Sender delivers replies.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// BotUsername, when set, makes commands addressed to other bots
	// (/start@otherbot) be ignored.
	BotUsername string
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	From    string
	Text    string
	Command string // without slash and @suffix; empty for free text
	ReqID   string
	Logger  logx.Logger
}

func (r *Request) logger(def logx.Logger) logx.Logger {
	if r == nil || r.Logger.IsZero() {
		return def
	}
	return r.Logger
}

// Stats counts dispatched requests since start.
type Stats struct {
	Handled uint64 `json:"handled"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type Router struct {
	log    logx.Logger
	sender Sender
	subs   Subscriptions
	cfg    Config

	handlers map[string]HandlerFunc
	text     HandlerFunc

	runMu   sync.Mutex
	running bool
	jobs    chan func()

	handled atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, sender Sender, subs Subscriptions, log logx.Logger) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(cfg.BotUsername), "@")
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:    log.With(logx.String("comp", "telegram.router")),
		sender: sender,
		subs:   subs,
		cfg:    cfg,
	}
	r.handlers = map[string]HandlerFunc{
		"start":  r.handleStart,
		"stop":   r.handleStop,
		"status": r.handleStatus,
	}
	r.text = r.handleText
	return r
}

// Commands is the command menu published to the chat platform.
func Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "Benachrichtigungen einschalten"},
		{Command: "stop", Description: "Benachrichtigungen ausschalten"},
		{Command: "status", Description: "Zeigt, ob du benachrichtigt wirst"},
	}
}

func (r *Router) Stats() Stats {
	return Stats{Handled: r.handled.Load(), Failed: r.failed.Load(), Dropped: r.dropped.Load()}
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
// Running handlers get a short grace period to finish; queued updates that
// never started are counted as dropped.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	jobs := make(chan func(), r.cfg.QueueSize)
	r.runMu.Lock()
	r.jobs = jobs
	r.running = true
	r.runMu.Unlock()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(jobs)))

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		r.runMu.Lock()
		r.running = false
		close(jobs)
		r.runMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()

		left := 0
		for range jobs {
			left++
		}
		if left > 0 {
			r.dropped.Add(uint64(left))
			r.log.Warn("queued updates dropped on shutdown", logx.Int("count", left))
		}
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	// middleware already recovers; this keeps the worker alive regardless
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in dispatch job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route classifies one update and enqueues its handler. It never blocks; a
// full queue drops the update.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	h, req, ok := r.match(up)
	if !ok {
		return
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.cfg.Timeout),
	)
	job := func() {
		r.handled.Add(1)
		if err := final(ctx, req); err != nil {
			r.failed.Add(1)
		}
	}
	if !r.tryEnqueue(job) {
		r.dropped.Add(1)
		req.Logger.Warn("dispatch queue full; update dropped")
	}
}

func (r *Router) tryEnqueue(fn func()) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return false
	}
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) match(up kit.Update) (HandlerFunc, *Request, bool) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil, nil, false
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil, false
	}

	req := &Request{
		Update: up,
		Chat:   kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID: msg.FromID,
		From:   msg.FromUsername,
		Text:   msg.Text,
		ReqID:  uuid.NewString(),
	}

	h := r.text
	if strings.HasPrefix(text, "/") {
		cmd, target := parseCommand(text)
		if target != "" && r.cfg.BotUsername != "" && !strings.EqualFold(target, r.cfg.BotUsername) {
			return nil, nil, false
		}
		var ok bool
		if h, ok = r.handlers[cmd]; !ok {
			return nil, nil, false
		}
		req.Command = cmd
	}

	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", req.Command),
	)
	return h, req, true
}

// parseCommand splits "/Start@IlswBot arg" into ("start", "IlswBot").
func parseCommand(text string) (cmd, target string) {
	word := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word, target = word[:i], word[i+1:]
	}
	return strings.ToLower(word), target
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	txt, err := r.subs.Activate(ctx, req.Chat.ChatID)
	return r.respond(ctx, req, txt, err)
}

func (r *Router) handleStop(ctx context.Context, req *Request) error {
	txt, err := r.subs.Deactivate(ctx, req.Chat.ChatID)
	return r.respond(ctx, req, txt, err)
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	txt, err := r.subs.Status(ctx, req.Chat.ChatID)
	return r.respond(ctx, req, txt, err)
}

func (r *Router) handleText(ctx context.Context, req *Request) error {
	reply, err := r.subs.HandleQuery(ctx, subscription.Query{
		ChatID:   req.Chat.ChatID,
		Username: req.From,
		Text:     req.Text,
	})
	if err == nil && reply.Empty() {
		return nil
	}
	return r.respond(ctx, req, reply.Text, err)
}

// respond sends txt, or the storage-failure text when err is a storage error.
// The handler error is returned either way.
func (r *Router) respond(ctx context.Context, req *Request, txt string, err error) error {
	if err != nil {
		if errors.Is(err, subscription.ErrStorage) {
			if _, serr := r.sender.SendText(ctx, req.Chat, r.subs.Texts().StorageFailure, nil); serr != nil {
				req.logger(r.log).Debug("storage failure reply not sent", logx.Err(serr))
			}
		}
		return err
	}
	if txt == "" {
		return nil
	}
	_, err = r.sender.SendText(ctx, req.Chat, txt, nil)
	return err
}
