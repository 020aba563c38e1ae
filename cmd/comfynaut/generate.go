package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/pipeline"
)

var (
	genWorkflow string
	genOutDir   string
	genQuiet    bool
)

var dreamCmd = &cobra.Command{
	Use:   "dream <prompt>",
	Short: "Generate an image from a text prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return generate(cmd, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Result, error) {
			return p.Dream(ctx, pipeline.DreamRequest{Prompt: args[0], Workflow: genWorkflow})
		})
	},
}

var img2imgCmd = &cobra.Command{
	Use:   "img2img <image> <prompt>",
	Short: "Transform an image guided by a prompt",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return generateFromImage(cmd, args, (*pipeline.Pipeline).Img2Img)
	},
}

var img2vidCmd = &cobra.Command{
	Use:   "img2vid <image> [prompt]",
	Short: "Animate an image into a video",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return generateFromImage(cmd, args, (*pipeline.Pipeline).Img2Vid)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{dreamCmd, img2imgCmd, img2vidCmd} {
		cmd.Flags().StringVarP(&genWorkflow, "workflow", "w", "", "workflow template name (default from config)")
		cmd.Flags().StringVarP(&genOutDir, "out", "o", "", "download the result into this directory")
		cmd.Flags().BoolVarP(&genQuiet, "quiet", "q", false, "no progress bar")
	}
}

func generateFromImage(cmd *cobra.Command, args []string, run func(*pipeline.Pipeline, context.Context, pipeline.ImageRequest) (*pipeline.Result, error)) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	req := pipeline.ImageRequest{
		Image:    data,
		Filename: filepath.Base(args[0]),
		Workflow: genWorkflow,
	}
	if len(args) > 1 {
		req.Prompt = args[1]
	}
	return generate(cmd, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Result, error) {
		return run(p, ctx, req)
	})
}

func generate(cmd *cobra.Command, run func(context.Context, *pipeline.Pipeline) (*pipeline.Result, error)) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := a.pipeline
	if !genQuiet {
		p = p.WithHooks(progressHooks(client.DefaultTrackerHooks(a.logger)))
	}

	res, err := run(ctx, p)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "prompt_id: %s\n", res.PromptID)
	for _, item := range []struct {
		label    string
		artifact *client.Artifact
	}{
		{"image", res.Image},
		{"video", res.Video},
		{"last_frame", res.LastFrame},
	} {
		if item.artifact == nil {
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", item.label, a.comfy.ViewURL(*item.artifact))
		if genOutDir != "" {
			path, err := download(ctx, a.comfy, *item.artifact, genOutDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "saved: %s\n", path)
		}
	}
	return nil
}

func download(ctx context.Context, comfy *client.ComfyClient, artifact client.Artifact, dir string) (string, error) {
	data, err := comfy.GetView(ctx, artifact)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", artifact.Filename, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(artifact.Filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
