package client

import (
	"context"
	"fmt"
	"log/slog"
)

// HistorySource answers results-by-identifier queries. *ComfyClient implements it.
type HistorySource interface {
	GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error)
}

// Resolution is the user-facing output of a finished prompt
type Resolution struct {
	Artifact Artifact
	// LastFrame is the final image of a video job, when requested and present
	LastFrame *Artifact
}

type Resolver struct {
	source HistorySource
	logger *slog.Logger
}

func NewResolver(source HistorySource) *Resolver {
	return &Resolver{source: source, logger: slog.Default()}
}

func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	r.logger = logger
	return r
}

// Resolve picks the artifact of kind produced by promptID. It returns nil without error when the
// backend has no successful entry or the job produced nothing of that kind.
func (r *Resolver) Resolve(ctx context.Context, promptID string, kind ArtifactKind, withFrame bool) (*Resolution, error) {
	entry, err := r.source.GetHistory(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("history for prompt %s: %w", promptID, err)
	}
	if entry == nil {
		r.logger.Warn("no history entry", "prompt_id", promptID)
		return nil, nil
	}
	if !entry.Succeeded() {
		r.logger.Warn("prompt did not succeed", "prompt_id", promptID, "status", entry.Status.StatusStr)
		return nil, nil
	}

	res := SelectArtifact(entry.Outputs, kind, withFrame)
	if res == nil {
		r.logger.Warn("no artifact of kind", "prompt_id", promptID, "kind", kind)
	}
	return res, nil
}

// SelectArtifact returns the last artifact of kind in encounter order. With withFrame set on a
// video request the last image becomes the LastFrame companion; its absence is not an error.
func SelectArtifact(outputs NodeOutputs, kind ArtifactKind, withFrame bool) *Resolution {
	artifacts := outputs.Artifacts(kind)
	if len(artifacts) == 0 {
		return nil
	}
	res := &Resolution{Artifact: artifacts[len(artifacts)-1]}

	if withFrame && kind == ArtifactVideo {
		if frames := outputs.Artifacts(ArtifactImage); len(frames) > 0 {
			last := frames[len(frames)-1]
			res.LastFrame = &last
		}
	}
	return res
}
