// Package router turns incoming chat messages into watch commands and sends
// the replies.
package router

import (
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchbot/internal/metrics"
	rtsup "watchbot/internal/runtime/supervisor"
	kit "watchbot/internal/transport"
	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

const (
	InternalErrorText = "Internal error, please try again later"
	BusyText          = "Too many requests, please try again later"
	UnauthorizedText  = "Sorry, this bot is private."
)

// Handler executes a parsed command for a chat and returns the reply.
type Handler interface {
	HandleCommand(ctx context.Context, id watch.SubscriberID, cmd watch.Command) (string, error)
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per command; 0 disables
	// AllowedUserIDs restricts the bot to these senders when non-empty.
	AllowedUserIDs []int64
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command watch.Command
	ReqID   string
	Logger  logx.Logger

	// Reply is set by the handler and sent after the chain returns.
	Reply string
}

type Router struct {
	cfg     Config
	log     logx.Logger
	adapter kit.Adapter
	handler Handler
	metrics *metrics.Metrics

	chain HandlerFunc

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, adapter kit.Adapter, h Handler, log logx.Logger, m *metrics.Metrics) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	cfg.AllowedUserIDs = slices.Clone(cfg.AllowedUserIDs)
	r := &Router{cfg: cfg, log: log, adapter: adapter, handler: h, metrics: m}
	r.chain = Chain(r.handle,
		MWPanicRecover(log),
		MWRequestLog(log),
		MWMetrics(m),
		MWTimeout(cfg.Timeout),
	)
	return r
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// MenuCommands is the command menu published to the platform.
func MenuCommands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "Introduction"},
		{Command: "status", Description: "List current polling processes"},
		{Command: "poll", Description: "Start polling for an item"},
		{Command: "stop", Description: "Stop polling for an item"},
		{Command: "clear", Description: "Stop all polling processes"},
		{Command: "help", Description: "Show available commands"},
	}
}

// Run routes updates to a bounded worker pool until ctx is done or updates
// is closed, then drains queued commands briefly.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	jobs := make(chan func(), r.cfg.QueueSize)
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	if mu, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		sup.Go0("router.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, MenuCommands()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
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
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command router started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(jobs)))

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, jobs, up)
		}
	}
}

// runJob keeps a worker alive if a job panics outside the middleware.
func (r *Router) runJob(idx int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, jobs chan<- func(), up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if len(r.cfg.AllowedUserIDs) > 0 && !slices.Contains(r.cfg.AllowedUserIDs, msg.FromID) {
		r.reply(ctx, r.log, chat, UnauthorizedText)
		return
	}

	req := r.newRequest(up)
	select {
	case jobs <- func() { r.Serve(ctx, req) }:
	default:
		req.Logger.Warn("command queue full")
		r.reply(ctx, req.Logger, chat, BusyText)
	}
}

func (r *Router) newRequest(up kit.Update) *Request {
	msg := up.Message
	cmd := ParseCommand(msg.Text)
	rid := uuid.NewString()
	return &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
		),
	}
}

// Serve runs req through the middleware chain and sends the reply. A handler
// failure is answered with InternalErrorText.
func (r *Router) Serve(ctx context.Context, req *Request) {
	text := InternalErrorText
	if err := r.chain(ctx, req); err == nil {
		text = req.Reply
	}
	r.reply(ctx, req.Logger, req.Chat, text)
}

func (r *Router) handle(ctx context.Context, req *Request) error {
	if r.handler == nil {
		return errors.New("router: no handler")
	}
	reply, err := r.handler.HandleCommand(ctx, req.Chat.ChatID, req.Command)
	if err != nil {
		return err
	}
	req.Reply = reply
	return nil
}

func (r *Router) reply(ctx context.Context, log logx.Logger, chat kit.ChatTarget, text string) {
	if text == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if _, err := r.adapter.SendText(sctx, chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		log.Warn("reply failed", logx.Err(err))
	}
}
