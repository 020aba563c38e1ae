package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an EventSource fed by the test
type fakeSource struct {
	events chan *WSStatusMessage
	errs   chan error
	closed atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan *WSStatusMessage, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeSource) Receive(ctx context.Context, timeout time.Duration) (*WSStatusMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-f.events:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSource) send(t *testing.T, raw string) {
	t.Helper()
	msg := &WSStatusMessage{}
	require.NoError(t, json.Unmarshal([]byte(raw), msg))
	f.events <- msg
}

type fakeBackend struct {
	source   EventSource
	subErr   error
	subDelay time.Duration
	queue    func() (*QueueSnapshot, error)
	history  func() (*HistoryEntry, error)

	queueCalls   atomic.Int32
	historyCalls atomic.Int32
}

func (b *fakeBackend) Subscribe(ctx context.Context, clientID string) (EventSource, error) {
	if b.subDelay > 0 {
		select {
		case <-time.After(b.subDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.subErr != nil {
		return nil, b.subErr
	}
	return b.source, nil
}

func (b *fakeBackend) GetQueue(ctx context.Context) (*QueueSnapshot, error) {
	b.queueCalls.Add(1)
	if b.queue == nil {
		return &QueueSnapshot{}, nil
	}
	return b.queue()
}

func (b *fakeBackend) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	b.historyCalls.Add(1)
	if b.history == nil {
		return nil, nil
	}
	return b.history()
}

type recordedHooks struct {
	mu       sync.Mutex
	states   []string
	nodes    []string
	progress []int
}

func (r *recordedHooks) hooks() *TrackerHooks {
	return (&TrackerHooks{}).
		WithStateChangeHandler(func(promptID string, from, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, from.String()+">"+to.String())
		}).
		WithExecutingHandler(func(promptID, nodeID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.nodes = append(r.nodes, nodeID)
		}).
		WithProgressHandler(func(promptID string, value, max int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, value)
		})
}

func testTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ConnectTimeout: time.Second,
		ReceiveTimeout: 50 * time.Millisecond,
		Image:          ModeConfig{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond},
		Video:          ModeConfig{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond, SettleDelay: 150 * time.Millisecond},
	}
}

func track(t *testing.T, tracker *Tracker, mode Mode) (*Completion, error) {
	t.Helper()
	sub := tracker.Subscribe(context.Background(), "cid")
	defer sub.Close()
	return tracker.Track(context.Background(), sub, "abc", mode)
}

func TestTrackCompletesOnExecutingNull(t *testing.T) {
	src := newFakeSource()
	src.send(t, `{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}`)
	src.send(t, `{"type": "execution_start", "data": {"prompt_id": "abc"}}`)
	src.send(t, `{"type": "executing", "data": {"node": "3", "prompt_id": "abc"}}`)
	src.send(t, `{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "abc", "node": "3"}}`)
	src.send(t, `{"type": "executing", "data": {"node": null, "prompt_id": "other"}}`)
	src.send(t, `{"type": "crystools.monitor", "data": {"cpu_utilization": 3}}`)
	src.send(t, `{"type": "executing", "data": {"node": null, "prompt_id": "abc"}}`)

	rec := &recordedHooks{}
	tracker := NewTracker(&fakeBackend{source: src}, testTrackerConfig(), WithTrackerHooks(rec.hooks()))

	c, err := track(t, tracker, ModeImage)
	require.NoError(t, err)
	assert.Equal(t, "abc", c.PromptID)
	assert.False(t, c.Polled)
	assert.Equal(t, []string{"connecting>streaming", "streaming>completed"}, rec.states)
	assert.Equal(t, []string{"3"}, rec.nodes)
	assert.Equal(t, []int{1}, rec.progress)
	assert.True(t, src.closed.Load())
}

func TestTrackExecutionSuccessCompletes(t *testing.T) {
	src := newFakeSource()
	src.send(t, `{"type": "execution_success", "data": {"prompt_id": "abc", "timestamp": 1}}`)

	c, err := track(t, NewTracker(&fakeBackend{source: src}, testTrackerConfig()), ModeImage)
	require.NoError(t, err)
	assert.Equal(t, ModeImage, c.Mode)
}

func TestTrackExecutionError(t *testing.T) {
	src := newFakeSource()
	src.send(t, `{"type": "execution_error", "data": {"prompt_id": "other", "node_id": "1"}}`)
	src.send(t, `{"type": "execution_error", "data": {"prompt_id": "abc", "node_id": "3", "node_type": "KSampler",
		"exception_type": "RuntimeError", "exception_message": "out of memory", "traceback": ["line 1"]}}`)

	rec := &recordedHooks{}
	tracker := NewTracker(&fakeBackend{source: src}, testTrackerConfig(), WithTrackerHooks(rec.hooks()))

	c, err := track(t, tracker, ModeImage)
	assert.Nil(t, c)
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.NotErrorIs(t, err, ErrTimedOut)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "3", execErr.NodeID)
	assert.Equal(t, "out of memory", execErr.ExceptionMessage)
	assert.Equal(t, []string{"connecting>streaming", "streaming>failed"}, rec.states)
}

func TestTrackInterrupted(t *testing.T) {
	src := newFakeSource()
	src.send(t, `{"type": "execution_interrupted", "data": {"prompt_id": "abc", "node_id": "19", "node_type": "SaveImage", "executed": []}}`)

	_, err := track(t, NewTracker(&fakeBackend{source: src}, testTrackerConfig()), ModeImage)
	assert.ErrorIs(t, err, ErrExecutionInterrupted)
	assert.NotErrorIs(t, err, ErrExecutionFailed)
}

func TestTrackTimeoutBounds(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.ReceiveTimeout = 100 * time.Millisecond
	cfg.Image.Timeout = 300 * time.Millisecond

	src := newFakeSource()
	// events for other prompts never satisfy the tracker
	src.send(t, `{"type": "executing", "data": {"node": null, "prompt_id": "other"}}`)

	rec := &recordedHooks{}
	tracker := NewTracker(&fakeBackend{source: src}, cfg, WithTrackerHooks(rec.hooks()))

	start := time.Now()
	_, err := track(t, tracker, ModeImage)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, cfg.Image.Timeout)
	assert.Less(t, elapsed, cfg.Image.Timeout+cfg.ReceiveTimeout+100*time.Millisecond)
	assert.Equal(t, []string{"connecting>streaming", "streaming>timed_out"}, rec.states)
}

func TestTrackTimesOutWhileConnecting(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.Image.Timeout = 100 * time.Millisecond

	rec := &recordedHooks{}
	backend := &fakeBackend{source: newFakeSource(), subDelay: 500 * time.Millisecond}
	tracker := NewTracker(backend, cfg, WithTrackerHooks(rec.hooks()))

	_, err := track(t, tracker, ModeImage)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, []string{"connecting>timed_out"}, rec.states)
	assert.Zero(t, backend.queueCalls.Load())
}

func TestTrackStreamErrorFallsBackToPolling(t *testing.T) {
	src := newFakeSource()
	src.send(t, `{"type": "executing", "data": {"node": "3", "prompt_id": "abc"}}`)
	src.errs <- errors.New("connection reset by peer")

	backend := &fakeBackend{
		source: src,
		queue: func() (*QueueSnapshot, error) {
			return &QueueSnapshot{Done: []QueueEntry{{PromptID: "abc", Outputs: map[string]json.RawMessage{"9": json.RawMessage(`{}`)}}}}, nil
		},
	}
	rec := &recordedHooks{}
	tracker := NewTracker(backend, testTrackerConfig(), WithTrackerHooks(rec.hooks()))

	c, err := track(t, tracker, ModeImage)
	require.NoError(t, err)
	assert.True(t, c.Polled)
	assert.Equal(t, []string{"connecting>streaming", "streaming>polling", "polling>completed"}, rec.states)
}

func TestTrackConnectErrorFallsBackToPolling(t *testing.T) {
	var calls atomic.Int32
	backend := &fakeBackend{
		subErr: errors.New("dial tcp: connection refused"),
		queue: func() (*QueueSnapshot, error) {
			switch calls.Add(1) {
			case 1:
				return nil, errors.New("transient")
			case 2:
				snap := &QueueSnapshot{}
				// ComfyUI tuple, its last field lists output node ids
				require.NoError(t, json.Unmarshal([]byte(`[[0, "abc", {}, {}, ["9"]]]`), snap))
				return snap, nil
			default:
				return &QueueSnapshot{}, nil
			}
		},
		history: func() (*HistoryEntry, error) {
			if calls.Load() < 3 {
				return nil, nil
			}
			return &HistoryEntry{Status: HistoryStatus{StatusStr: "success", Completed: true}}, nil
		},
	}
	rec := &recordedHooks{}
	tracker := NewTracker(backend, testTrackerConfig(), WithTrackerHooks(rec.hooks()))

	c, err := track(t, tracker, ModeImage)
	require.NoError(t, err)
	assert.True(t, c.Polled)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	assert.Equal(t, []string{"connecting>polling", "polling>completed"}, rec.states)
}

func TestTrackPollingTimeoutQueriesHistoryOnce(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.Image.Timeout = 200 * time.Millisecond

	backend := &fakeBackend{
		subErr: errors.New("refused"),
		queue: func() (*QueueSnapshot, error) {
			return &QueueSnapshot{Pending: []QueueEntry{{PromptID: "abc"}}}, nil
		},
	}

	start := time.Now()
	_, err := track(t, NewTracker(backend, cfg), ModeImage)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, cfg.Image.Timeout)
	assert.Less(t, elapsed, cfg.Image.Timeout+cfg.ReceiveTimeout+100*time.Millisecond)
	assert.Greater(t, backend.queueCalls.Load(), int32(1))
	// pending jobs are still in the queue, so only the final query reaches history
	assert.Equal(t, int32(1), backend.historyCalls.Load())
}

func TestTrackPollingFinalHistoryCompletes(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.Image.Timeout = 100 * time.Millisecond

	var windowOver atomic.Bool
	time.AfterFunc(cfg.Image.Timeout, func() { windowOver.Store(true) })

	backend := &fakeBackend{
		subErr: errors.New("refused"),
		queue: func() (*QueueSnapshot, error) {
			return &QueueSnapshot{Running: []QueueEntry{{PromptID: "abc"}}}, nil
		},
		history: func() (*HistoryEntry, error) {
			if !windowOver.Load() {
				return nil, nil
			}
			return &HistoryEntry{Status: HistoryStatus{StatusStr: "success"}}, nil
		},
	}

	c, err := track(t, NewTracker(backend, cfg), ModeImage)
	require.NoError(t, err)
	assert.True(t, c.Polled)
}

func TestTrackPollingReportsFailedHistory(t *testing.T) {
	backend := &fakeBackend{
		subErr: errors.New("refused"),
		history: func() (*HistoryEntry, error) {
			return &HistoryEntry{Status: HistoryStatus{StatusStr: "error"}}, nil
		},
	}

	_, err := track(t, NewTracker(backend, testTrackerConfig()), ModeImage)
	assert.ErrorIs(t, err, ErrExecutionFailed)
}

func TestTrackVideoSettles(t *testing.T) {
	cfg := testTrackerConfig()
	src := newFakeSource()
	src.send(t, `{"type": "executing", "data": {"node": null, "prompt_id": "abc"}}`)

	start := time.Now()
	c, err := track(t, NewTracker(&fakeBackend{source: src}, cfg), ModeVideo)
	require.NoError(t, err)
	assert.Equal(t, ModeVideo, c.Mode)
	assert.GreaterOrEqual(t, time.Since(start), cfg.Video.SettleDelay)

	// image completions are reported immediately
	src.send(t, `{"type": "executing", "data": {"node": null, "prompt_id": "abc"}}`)
	start = time.Now()
	_, err = track(t, NewTracker(&fakeBackend{source: src}, cfg), ModeImage)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.Video.SettleDelay)
}

func TestTrackCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tracker := NewTracker(&fakeBackend{source: newFakeSource()}, testTrackerConfig())
	sub := tracker.Subscribe(ctx, "cid")
	defer sub.Close()

	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := tracker.Track(ctx, sub, "abc", ModeImage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestWithHooksDoesNotAlterOriginal(t *testing.T) {
	base := NewTracker(&fakeBackend{}, DefaultTrackerConfig())
	hooked := base.WithHooks(&TrackerHooks{})
	assert.Nil(t, base.hooks)
	assert.NotNil(t, hooked.hooks)
	assert.Equal(t, base.Config(), hooked.Config())
}

func TestDefaultTrackerConfig(t *testing.T) {
	cfg := DefaultTrackerConfig()
	assert.Less(t, cfg.Image.Timeout, cfg.Video.Timeout)
	assert.Less(t, cfg.Image.PollInterval, cfg.Video.PollInterval)
	assert.Zero(t, cfg.Image.SettleDelay)
	assert.NotZero(t, cfg.Video.SettleDelay)
	assert.Equal(t, cfg.Video, cfg.ForMode(ModeVideo))
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.True(t, StateInterrupted.Terminal())
	assert.False(t, StatePolling.Terminal())
}
