package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/graphapi"
)

var (
	// ErrEmptyPrompt is returned when a request that needs a prompt has none
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrMissingImage is returned when an image request carries no image data
	ErrMissingImage = errors.New("image data is missing")
	// ErrNoOutput means the job finished but produced nothing of the requested kind
	ErrNoOutput = errors.New("job produced no output")
)

// Backend is the part of the backend a pipeline submits to. *client.ComfyClient implements it.
type Backend interface {
	UploadImage(ctx context.Context, data []byte, filename string) (string, error)
	QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*client.QueueItem, error)
}

// Templates loads workflow templates by name. *graphapi.TemplateStore implements it.
type Templates interface {
	Load(name string) (*graphapi.Template, error)
}

type Options struct {
	DreamTemplate   string
	Img2ImgTemplate string
	Img2VidTemplate string
	// VideoPrompt is used by Img2Vid when the request has no prompt
	VideoPrompt string
	Logger      *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		DreamTemplate:   "dream",
		Img2ImgTemplate: "img2img",
		Img2VidTemplate: "img2vid",
		VideoPrompt:     "gentle cinematic motion",
	}
}

type DreamRequest struct {
	Prompt string
	// Workflow overrides the default template name
	Workflow string
}

type ImageRequest struct {
	Image    []byte
	Filename string
	Prompt   string
	Workflow string
}

// Result is what one request produced
type Result struct {
	PromptID  string
	Kind      client.ArtifactKind
	Image     *client.Artifact
	Video     *client.Artifact
	LastFrame *client.Artifact
	Polled    bool
}

// Artifact returns the primary artifact of the result
func (r *Result) Artifact() *client.Artifact {
	if r.Kind == client.ArtifactVideo {
		return r.Video
	}
	return r.Image
}

// Pipeline runs requests through upload, build, submit, track and resolve.
// A Pipeline is safe for concurrent use; each request owns its job state.
type Pipeline struct {
	templates Templates
	builder   *graphapi.Builder
	backend   Backend
	tracker   *client.Tracker
	resolver  *client.Resolver
	opts      Options
	logger    *slog.Logger
}

func New(templates Templates, builder *graphapi.Builder, backend Backend, tracker *client.Tracker, resolver *client.Resolver, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		templates: templates,
		builder:   builder,
		backend:   backend,
		tracker:   tracker,
		resolver:  resolver,
		opts:      opts,
		logger:    logger,
	}
}

// WithHooks returns a copy of the pipeline whose tracking reports to hooks
func (p *Pipeline) WithHooks(hooks *client.TrackerHooks) *Pipeline {
	c := *p
	c.tracker = p.tracker.WithHooks(hooks)
	return &c
}

type job struct {
	workflow  string
	prompt    string
	image     []byte
	filename  string
	seed      graphapi.SeedPolicy
	mode      client.Mode
	kind      client.ArtifactKind
	withFrame bool
}

// Dream generates an image from a text prompt
func (p *Pipeline) Dream(ctx context.Context, req DreamRequest) (*Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	return p.run(ctx, job{
		workflow: firstNonEmpty(req.Workflow, p.opts.DreamTemplate),
		prompt:   prompt,
		seed:     graphapi.SeedStandard,
		mode:     client.ModeImage,
		kind:     client.ArtifactImage,
	})
}

// Img2Img generates an image from an uploaded image and a prompt
func (p *Pipeline) Img2Img(ctx context.Context, req ImageRequest) (*Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if len(req.Image) == 0 {
		return nil, ErrMissingImage
	}
	return p.run(ctx, job{
		workflow: firstNonEmpty(req.Workflow, p.opts.Img2ImgTemplate),
		prompt:   prompt,
		image:    req.Image,
		filename: req.Filename,
		seed:     graphapi.SeedStandard,
		mode:     client.ModeImage,
		kind:     client.ArtifactImage,
	})
}

// Img2Vid animates an uploaded image. The result carries the video's last frame when the
// workflow saves one.
func (p *Pipeline) Img2Vid(ctx context.Context, req ImageRequest) (*Result, error) {
	if len(req.Image) == 0 {
		return nil, ErrMissingImage
	}
	return p.run(ctx, job{
		workflow:  firstNonEmpty(req.Workflow, p.opts.Img2VidTemplate),
		prompt:    firstNonEmpty(strings.TrimSpace(req.Prompt), p.opts.VideoPrompt),
		image:     req.Image,
		filename:  req.Filename,
		seed:      graphapi.SeedWide,
		mode:      client.ModeVideo,
		kind:      client.ArtifactVideo,
		withFrame: true,
	})
}

func (p *Pipeline) run(ctx context.Context, j job) (*Result, error) {
	logger := p.logger.With("workflow", j.workflow, "mode", j.mode)

	// structural problems surface before any backend call
	tpl, err := p.templates.Load(j.workflow)
	if err != nil {
		return nil, err
	}
	if _, err := tpl.PromptNode(); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", j.workflow, err)
	}
	if len(j.image) > 0 {
		if _, err := tpl.ImageNode(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", j.workflow, err)
		}
	}

	req := graphapi.BuildRequest{
		Prompt:   j.prompt,
		Seed:     j.seed,
		ClientID: client.NewClientID(),
	}
	if len(j.image) > 0 {
		req.ImageRef, err = p.backend.UploadImage(ctx, j.image, firstNonEmpty(j.filename, "upload"))
		if err != nil {
			return nil, err
		}
		logger.Info("image uploaded", "ref", req.ImageRef)
	}

	prompt, err := p.builder.Build(tpl, req)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", j.workflow, err)
	}

	sub := p.tracker.Subscribe(ctx, prompt.ClientID)
	defer sub.Close()

	item, err := p.backend.QueuePrompt(ctx, prompt)
	if err != nil {
		return nil, err
	}
	logger = logger.With("prompt_id", item.PromptID)
	logger.Info("prompt queued")

	completion, err := p.tracker.Track(ctx, sub, item.PromptID, j.mode)
	if err != nil {
		logger.Warn("prompt did not complete", "error", err)
		return nil, err
	}

	res, err := p.resolver.Resolve(ctx, item.PromptID, j.kind, j.withFrame)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: prompt %s has no %s output", ErrNoOutput, item.PromptID, j.kind)
	}

	result := &Result{
		PromptID:  item.PromptID,
		Kind:      j.kind,
		LastFrame: res.LastFrame,
		Polled:    completion.Polled,
	}
	artifact := res.Artifact
	if j.kind == client.ArtifactVideo {
		result.Video = &artifact
	} else {
		result.Image = &artifact
	}
	logger.Info("prompt resolved", "filename", artifact.Filename, "elapsed", completion.Elapsed)
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
