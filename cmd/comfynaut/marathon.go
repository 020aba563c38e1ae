package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/comfynaut/comfynaut/pipeline"
)

var marathonCount int

var marathonCmd = &cobra.Command{
	Use:   "marathon <prompt>",
	Short: "Generate several images from one prompt, one after another",
	Long: `Runs the dream workflow count times with fresh seeds. Failed iterations are
reported and skipped. Ctrl-C stops after the current image.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if marathonCount < 1 || marathonCount > a.cfg.Marathon.MaxCount {
			return fmt.Errorf("count must be between 1 and %d", a.cfg.Marathon.MaxCount)
		}

		sessions := pipeline.NewSessions(pipeline.DefaultSessionExpiration, pipeline.DefaultCleanupInterval)
		session := uuid.New().String()
		sessions.Begin(session, marathonCount)

		// the first interrupt lets the running job finish
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		go func() {
			if _, ok := <-sig; ok {
				a.logger.Info("stopping after the current image")
				sessions.Cancel(session)
			}
		}()

		bar := progressbar.NewOptions(marathonCount,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("marathon"),
			progressbar.OptionShowCount(),
		)
		out := cmd.OutOrStdout()
		n, err := a.pipeline.Marathon(cmd.Context(), sessions, session, pipeline.DreamRequest{Prompt: args[0], Workflow: genWorkflow}, marathonCount,
			func(i int, res *pipeline.Result, err error) {
				_ = bar.Add(1)
				if err != nil {
					fmt.Fprintf(out, "#%d failed: %v\n", i+1, err)
					return
				}
				fmt.Fprintf(out, "#%d %s\n", i+1, a.comfy.ViewURL(*res.Image))
			})
		_ = bar.Finish()
		fmt.Fprintf(out, "%d of %d completed\n", n, marathonCount)
		return err
	},
}

func init() {
	marathonCmd.Flags().IntVarP(&marathonCount, "count", "n", 4, "number of images")
	marathonCmd.Flags().StringVarP(&genWorkflow, "workflow", "w", "", "workflow template name (default from config)")
}
