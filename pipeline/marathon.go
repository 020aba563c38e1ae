package pipeline

import (
	"context"
	"errors"

	"github.com/comfynaut/comfynaut/graphapi"
)

// MarathonFunc observes each marathon iteration
type MarathonFunc func(i int, res *Result, err error)

// Marathon runs count Dream requests one after another. The session's cancel flag is only
// checked between iterations; a running job is never interrupted. Template errors end the
// marathon, other failures are recorded and the next iteration runs.
// The session must have been started with Sessions.Begin.
func (p *Pipeline) Marathon(ctx context.Context, sessions *Sessions, sessionID string, req DreamRequest, count int, each MarathonFunc) (int, error) {
	defer sessions.finish(sessionID)

	completed := 0
	for i := 0; i < count; i++ {
		if sessions.Cancelled(sessionID) {
			p.logger.Info("marathon cancelled", "session", sessionID, "completed", completed, "count", count)
			return completed, nil
		}
		if err := ctx.Err(); err != nil {
			return completed, err
		}

		res, err := p.Dream(ctx, req)
		sessions.record(sessionID, res, err)
		if each != nil {
			each(i, res, err)
		}
		if err != nil {
			p.logger.Warn("marathon iteration failed", "session", sessionID, "iteration", i, "error", err)
			if isStructural(err) {
				return completed, err
			}
			continue
		}
		completed++
	}
	return completed, nil
}

func isStructural(err error) bool {
	return errors.Is(err, graphapi.ErrTemplateNotFound) ||
		errors.Is(err, graphapi.ErrTemplateDecode) ||
		errors.Is(err, graphapi.ErrNoPromptNode) ||
		errors.Is(err, graphapi.ErrNoImageNode) ||
		errors.Is(err, ErrEmptyPrompt)
}
