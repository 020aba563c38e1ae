package client

import (
	"errors"
	"fmt"
)

var (
	// ErrAssetUploadFailed is returned when the backend rejects an upload or cannot be reached
	ErrAssetUploadFailed = errors.New("asset upload failed")
	// ErrBackendUnreachable is a network-level failure while submitting a prompt
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrBackendRejected is returned when the backend answers a submission without a prompt id
	ErrBackendRejected = errors.New("backend rejected prompt")
	// ErrTimedOut means the tracker stopped waiting. The job may still be running.
	ErrTimedOut = errors.New("timed out waiting for prompt")
	// ErrExecutionFailed is reported by the backend through execution_error
	ErrExecutionFailed = errors.New("prompt execution failed")
	// ErrExecutionInterrupted is reported by the backend through execution_interrupted
	ErrExecutionInterrupted = errors.New("prompt execution interrupted")
	// ErrReceiveTimeout is returned by EventSource.Receive when nothing arrived in time.
	// It is a liveness signal, not a stream failure.
	ErrReceiveTimeout = errors.New("no event received")
)

// ExecutionError carries the exception details of a failed prompt
type ExecutionError struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
	Traceback        []string
}

func (e *ExecutionError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: prompt %s: %s", ErrExecutionFailed, e.PromptID, e.ExceptionMessage)
	}
	return fmt.Sprintf("%s: prompt %s: node %s (%s): %s - %s",
		ErrExecutionFailed, e.PromptID, e.NodeID, e.NodeType, e.ExceptionType, e.ExceptionMessage)
}

func (e *ExecutionError) Unwrap() error {
	return ErrExecutionFailed
}
