package client

import (
	"log/slog"
)

// TrackerHooks defines optional callbacks invoked by a Tracker while it waits on a prompt.
// All hooks are optional and run on the tracking goroutine.
type TrackerHooks struct {
	// OnStateChange is called on every state machine transition
	OnStateChange func(promptID string, from, to State)

	// OnExecuting is called when a node of the prompt starts executing
	OnExecuting func(promptID, nodeID string)

	// OnProgress is called with sampler progress updates
	OnProgress func(promptID string, value, max int)
}

// DefaultTrackerHooks returns hooks that log transitions and executing nodes
func DefaultTrackerHooks(logger *slog.Logger) *TrackerHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackerHooks{
		OnStateChange: func(promptID string, from, to State) {
			logger.Info("tracker state", "prompt_id", promptID, "from", from, "to", to)
		},
		OnExecuting: func(promptID, nodeID string) {
			logger.Debug("executing node", "prompt_id", promptID, "node_id", nodeID)
		},
	}
}

// WithStateChangeHandler adds a state change handler (builder pattern)
func (h *TrackerHooks) WithStateChangeHandler(fn func(promptID string, from, to State)) *TrackerHooks {
	h.OnStateChange = fn
	return h
}

// WithExecutingHandler adds an executing handler (builder pattern)
func (h *TrackerHooks) WithExecutingHandler(fn func(promptID, nodeID string)) *TrackerHooks {
	h.OnExecuting = fn
	return h
}

// WithProgressHandler adds a progress handler (builder pattern)
func (h *TrackerHooks) WithProgressHandler(fn func(promptID string, value, max int)) *TrackerHooks {
	h.OnProgress = fn
	return h
}

func (h *TrackerHooks) stateChange(promptID string, from, to State) {
	if h != nil && h.OnStateChange != nil {
		h.OnStateChange(promptID, from, to)
	}
}

func (h *TrackerHooks) executing(promptID, nodeID string) {
	if h != nil && h.OnExecuting != nil {
		h.OnExecuting(promptID, nodeID)
	}
}

func (h *TrackerHooks) progress(promptID string, value, max int) {
	if h != nil && h.OnProgress != nil {
		h.OnProgress(promptID, value, max)
	}
}
