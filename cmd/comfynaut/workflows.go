package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/comfynaut/comfynaut/graphapi"
)

var workflowsJSON bool

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List the workflow templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		infos, err := a.templates.List()
		if err != nil {
			return err
		}
		if workflowsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tIMAGE INPUT\tVIDEO OUTPUT")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%t\t%t\n", info.Name, info.ImageInput, info.VideoOutput)
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the ComfyUI server's system stats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		stats, err := a.comfy.GetSystemStats(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ComfyUI %s on %s (python %s)\n", stats.System.ComfyUIVersion, stats.System.OS, stats.System.PythonVersion)
		for _, dev := range stats.Devices {
			fmt.Fprintf(out, "  %s: %d/%d MiB free\n", dev.Name, dev.VRAM_Free>>20, dev.VRAM_Total>>20)
		}
		return nil
	},
}

var workflowsImportCmd = &cobra.Command{
	Use:   "import <image.png> <name>",
	Short: "Save the workflow embedded in a ComfyUI output PNG as a template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		tpl, err := graphapi.NewTemplateFromPngFile(args[0])
		if err != nil {
			return err
		}
		if _, err := tpl.PromptNode(); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if err := a.templates.Save(args[1], tpl); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d nodes)\n", args[1], len(tpl.Nodes))
		return nil
	},
}

func init() {
	workflowsCmd.Flags().BoolVar(&workflowsJSON, "json", false, "print as JSON")
	workflowsCmd.AddCommand(workflowsImportCmd)
}
