package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/config"
	"github.com/comfynaut/comfynaut/graphapi"
	"github.com/comfynaut/comfynaut/pipeline"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "comfynaut",
	Short: "Submit generation jobs to ComfyUI and collect their results",
	Long: `comfynaut fills workflow templates with a prompt, submits them to a ComfyUI
server, waits for the job over the websocket (falling back to polling) and
reports the resulting image or video.

Run "comfynaut serve" for the HTTP API or use the one-shot commands.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./comfynaut.yaml when present)")

	rootCmd.AddCommand(serveCmd, dreamCmd, img2imgCmd, img2vidCmd, workflowsCmd, marathonCmd, statsCmd)
}

// app holds the components every command is built from
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	comfy     *client.ComfyClient
	templates *graphapi.TemplateStore
	tracker   *client.Tracker
	pipeline  *pipeline.Pipeline
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	comfy, err := client.NewComfyClient(cfg.ComfyURL(), client.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("comfy client: %w", err)
	}
	templates, err := graphapi.NewTemplateStore(cfg.Templates.Dir, cfg.Templates.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	tracker := client.NewTracker(comfy, cfg.TrackerConfig(),
		client.WithTrackerLogger(logger),
		client.WithTrackerHooks(client.DefaultTrackerHooks(logger)))
	resolver := client.NewResolver(comfy).WithLogger(logger)
	p := pipeline.New(templates, graphapi.NewBuilder(cfg.BuilderConfig()), comfy, tracker, resolver, cfg.PipelineOptions(logger))

	return &app{
		cfg:       cfg,
		logger:    logger,
		comfy:     comfy,
		templates: templates,
		tracker:   tracker,
		pipeline:  p,
	}, nil
}
