package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Mode selects the timing profile of a tracked job
type Mode int

const (
	ModeImage Mode = iota
	ModeVideo
)

func (m Mode) String() string {
	if m == ModeVideo {
		return "video"
	}
	return "image"
}

// State is a Completion Tracker state
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StatePolling
	StateCompleted
	StateFailed
	StateInterrupted
	StateTimedOut
)

var stateNames = map[State]string{
	StateConnecting:  "connecting",
	StateStreaming:   "streaming",
	StatePolling:     "polling",
	StateCompleted:   "completed",
	StateFailed:      "failed",
	StateInterrupted: "interrupted",
	StateTimedOut:    "timed_out",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s >= StateCompleted
}

type ModeConfig struct {
	// Timeout is the overall tracking window
	Timeout time.Duration
	// PollInterval is the queue polling cadence of the fallback path
	PollInterval time.Duration
	// SettleDelay is waited after a completion before it is reported
	SettleDelay time.Duration
}

type TrackerConfig struct {
	// ConnectTimeout bounds opening the event stream
	ConnectTimeout time.Duration
	// ReceiveTimeout bounds a single receive or poll call
	ReceiveTimeout time.Duration
	Image          ModeConfig
	Video          ModeConfig
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ConnectTimeout: 10 * time.Second,
		ReceiveTimeout: 5 * time.Second,
		Image: ModeConfig{
			Timeout:      120 * time.Second,
			PollInterval: time.Second,
		},
		Video: ModeConfig{
			Timeout:      15 * time.Minute,
			PollInterval: 5 * time.Second,
			SettleDelay:  3 * time.Second,
		},
	}
}

func (c TrackerConfig) ForMode(m Mode) ModeConfig {
	if m == ModeVideo {
		return c.Video
	}
	return c.Image
}

// TrackerBackend is what a Tracker needs from the backend. *ComfyClient implements it.
type TrackerBackend interface {
	Subscribe(ctx context.Context, clientID string) (EventSource, error)
	GetQueue(ctx context.Context) (*QueueSnapshot, error)
	GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error)
}

// Completion describes a prompt the tracker saw finish successfully
type Completion struct {
	PromptID string
	Mode     Mode
	// Polled is set when completion was detected by the polling fallback
	Polled  bool
	Elapsed time.Duration
}

// Tracker waits for submitted prompts to finish. It holds no per-job state and is safe
// for concurrent use.
type Tracker struct {
	backend TrackerBackend
	cfg     TrackerConfig
	hooks   *TrackerHooks
	logger  *slog.Logger
}

type TrackerOption func(*Tracker)

func WithTrackerHooks(hooks *TrackerHooks) TrackerOption {
	return func(t *Tracker) {
		t.hooks = hooks
	}
}

func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

func NewTracker(backend TrackerBackend, cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	retv := &Tracker{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(retv)
	}
	return retv
}

// WithHooks returns a copy of the tracker reporting to hooks
func (t *Tracker) WithHooks(hooks *TrackerHooks) *Tracker {
	c := *t
	c.hooks = hooks
	return &c
}

func (t *Tracker) Config() TrackerConfig {
	return t.cfg
}

// Subscription is an event stream being opened for one client id
type Subscription struct {
	ClientID string

	ready  chan struct{}
	source EventSource
	err    error
	cancel context.CancelFunc
}

// Subscribe starts opening the event stream for clientID and returns immediately.
// Call it before submitting so the completion event cannot be missed. A failed connect is
// recorded on the subscription and makes Track fall back to polling.
func (t *Tracker) Subscribe(ctx context.Context, clientID string) *Subscription {
	connCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	sub := &Subscription{
		ClientID: clientID,
		ready:    make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		defer close(sub.ready)
		sub.source, sub.err = t.backend.Subscribe(connCtx, clientID)
	}()
	return sub
}

// Close abandons a pending connect or closes the open stream
func (s *Subscription) Close() error {
	s.cancel()
	<-s.ready
	if s.source != nil {
		return s.source.Close()
	}
	return nil
}

type tracking struct {
	*Tracker
	promptID string
	mode     Mode
	mc       ModeConfig
	start    time.Time
	state    State
}

func (tr *tracking) transition(to State) {
	from := tr.state
	tr.state = to
	tr.logger.Debug("tracker transition", "prompt_id", tr.promptID, "from", from, "to", to)
	tr.hooks.stateChange(tr.promptID, from, to)
}

// Track waits until the prompt completes, fails, is interrupted or the mode's window
// elapses. A timeout yields ErrTimedOut and leaves the backend job running.
func (t *Tracker) Track(ctx context.Context, sub *Subscription, promptID string, mode Mode) (*Completion, error) {
	tr := &tracking{
		Tracker:  t,
		promptID: promptID,
		mode:     mode,
		mc:       t.cfg.ForMode(mode),
		start:    time.Now(),
		state:    StateConnecting,
	}

	trackCtx, cancel := context.WithDeadline(ctx, tr.start.Add(tr.mc.Timeout))
	defer cancel()

	select {
	case <-sub.ready:
	case <-trackCtx.Done():
		return nil, tr.expired(ctx)
	}

	if sub.err != nil {
		tr.logger.Warn("event stream unavailable, polling", "prompt_id", promptID, "error", sub.err)
		tr.transition(StatePolling)
		return tr.poll(ctx, trackCtx)
	}

	tr.transition(StateStreaming)
	return tr.stream(ctx, trackCtx, sub.source)
}

// expired ends tracking once trackCtx is done: the caller's cancellation wins over the window
func (tr *tracking) expired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr.transition(StateTimedOut)
	return fmt.Errorf("%w: prompt %s after %s", ErrTimedOut, tr.promptID, tr.mc.Timeout)
}

func (tr *tracking) stream(ctx, trackCtx context.Context, source EventSource) (*Completion, error) {
	for {
		if trackCtx.Err() != nil {
			return nil, tr.expired(ctx)
		}

		msg, err := source.Receive(trackCtx, tr.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			if trackCtx.Err() != nil {
				return nil, tr.expired(ctx)
			}
			tr.logger.Warn("event stream failed, polling", "prompt_id", tr.promptID, "error", err)
			tr.transition(StatePolling)
			return tr.poll(ctx, trackCtx)
		}

		if msg.PromptID() != tr.promptID {
			continue
		}

		switch d := msg.Data.(type) {
		case *WSMessageDataExecuting:
			if d.Node == nil {
				return tr.completed(ctx, false)
			}
			tr.hooks.executing(tr.promptID, *d.Node)
		case *WSMessageDataProgress:
			tr.hooks.progress(tr.promptID, d.Value, d.Max)
		case *WSMessageExecutionSuccess:
			return tr.completed(ctx, false)
		case *WSMessageExecutionError:
			tr.transition(StateFailed)
			return nil, d.toError()
		case *WSMessageExecutionInterrupted:
			tr.transition(StateInterrupted)
			return nil, fmt.Errorf("%w: prompt %s at node %s", ErrExecutionInterrupted, tr.promptID, d.Node)
		}
	}
}

func (tr *tracking) completed(ctx context.Context, polled bool) (*Completion, error) {
	if tr.mode == ModeVideo && tr.mc.SettleDelay > 0 {
		settle := time.NewTimer(tr.mc.SettleDelay)
		defer settle.Stop()
		select {
		case <-settle.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	tr.transition(StateCompleted)
	return &Completion{
		PromptID: tr.promptID,
		Mode:     tr.mode,
		Polled:   polled,
		Elapsed:  time.Since(tr.start),
	}, nil
}

type pollResult int

const (
	pollPending pollResult = iota
	pollDone
	pollFailed
)

func (tr *tracking) poll(ctx, trackCtx context.Context) (*Completion, error) {
	interval := tr.mc.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		switch res, err := tr.pollOnce(trackCtx); res {
		case pollDone:
			return tr.completed(ctx, true)
		case pollFailed:
			tr.transition(StateFailed)
			return nil, err
		}

		select {
		case <-ticker.C:
		case <-trackCtx.Done():
			break loop
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// one last look at history before giving up
	finalCtx, cancel := context.WithTimeout(ctx, tr.cfg.ReceiveTimeout)
	defer cancel()
	switch res, err := tr.checkHistory(finalCtx); res {
	case pollDone:
		return tr.completed(ctx, true)
	case pollFailed:
		tr.transition(StateFailed)
		return nil, err
	}
	return nil, tr.expired(ctx)
}

// pollOnce inspects the live queue. Per-call network errors are logged and swallowed.
func (tr *tracking) pollOnce(trackCtx context.Context) (pollResult, error) {
	qctx, cancel := context.WithTimeout(trackCtx, tr.cfg.ReceiveTimeout)
	defer cancel()

	queue, err := tr.backend.GetQueue(qctx)
	if err != nil {
		if trackCtx.Err() == nil {
			tr.logger.Warn("queue poll failed", "prompt_id", tr.promptID, "error", err)
		}
		return pollPending, nil
	}

	entry, active := queue.Find(tr.promptID)
	if entry != nil {
		if active && entry.HasOutputs() {
			return pollDone, nil
		}
		return pollPending, nil
	}

	// the job has left the queue entirely
	hctx, hcancel := context.WithTimeout(trackCtx, tr.cfg.ReceiveTimeout)
	defer hcancel()
	return tr.checkHistory(hctx)
}

func (tr *tracking) checkHistory(ctx context.Context) (pollResult, error) {
	entry, err := tr.backend.GetHistory(ctx, tr.promptID)
	if err != nil {
		tr.logger.Warn("history query failed", "prompt_id", tr.promptID, "error", err)
		return pollPending, nil
	}
	if entry == nil {
		return pollPending, nil
	}
	if !entry.Succeeded() {
		return pollFailed, &ExecutionError{
			PromptID:         tr.promptID,
			ExceptionMessage: "backend reported status " + entry.Status.StatusStr,
		}
	}
	return pollDone, nil
}
