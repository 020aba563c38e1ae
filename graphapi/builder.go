package graphapi

import (
	"time"
)

// DefaultQualitySuffix is appended to every user prompt
const DefaultQualitySuffix = ", masterpiece, best quality, highly detailed, sharp focus"

const (
	standardSeedModulus int64 = 1_000_000_000
	wideSeedModulus     int64 = 1_000_000_000_000_000
)

// SeedPolicy selects how a fresh seed is derived for a build
type SeedPolicy int

const (
	// SeedStandard derives a seed from the clock, modulo 10^9
	SeedStandard SeedPolicy = iota
	// SeedWide uses a 10^15 seed space. Video models repeat motion patterns visibly with
	// the narrower space.
	SeedWide
	// SeedKeep leaves the template's seed alone
	SeedKeep
)

type BuilderConfig struct {
	QualitySuffix string
	Now           func() time.Time
}

// DefaultBuilderConfig returns the default quality suffix and the wall clock
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		QualitySuffix: DefaultQualitySuffix,
		Now:           time.Now,
	}
}

// BuildRequest holds the per-request values injected into a template
type BuildRequest struct {
	Prompt   string
	ImageRef string
	Seed     SeedPolicy
	ClientID string
}

// Builder turns templates into concrete prompts. It never mutates the template it is given.
type Builder struct {
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Builder{cfg: cfg}
}

// Build copies tpl and injects the prompt text, the optional image reference and a seed
func (b *Builder) Build(tpl *Template, req BuildRequest) (*Prompt, error) {
	wf := tpl.Clone()

	pn, err := wf.PromptNode()
	if err != nil {
		return nil, err
	}
	pn.SetPromptText(req.Prompt + b.cfg.QualitySuffix)

	if req.ImageRef != "" {
		in, err := wf.ImageNode()
		if err != nil {
			return nil, err
		}
		in.SetInput("image", req.ImageRef)
	}

	if req.Seed != SeedKeep {
		if node, input := wf.SeedTarget(); node != nil {
			node.SetInput(input, b.Seed(req.Seed))
		}
	}

	return &Prompt{
		ClientID: req.ClientID,
		Workflow: wf,
	}, nil
}

// Seed derives a clock-based seed for the policy. The result is never zero.
func (b *Builder) Seed(policy SeedPolicy) int64 {
	now := b.cfg.Now()
	var seed int64
	if policy == SeedWide {
		seed = now.UnixNano() % wideSeedModulus
	} else {
		seed = now.UnixMilli() % standardSeedModulus
	}
	if seed == 0 {
		seed = 1
	}
	return seed
}
