package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/comfynaut/comfynaut/client"
)

// progressHooks draws a sampler progress bar on stderr per executing node
func progressHooks(base *client.TrackerHooks) *client.TrackerHooks {
	var (
		mu   sync.Mutex
		bar  *progressbar.ProgressBar
		node string
	)

	hooks := *base
	onExecuting := base.OnExecuting
	hooks.OnExecuting = func(promptID, nodeID string) {
		mu.Lock()
		if bar != nil {
			_ = bar.Finish()
		}
		bar = nil
		node = nodeID
		mu.Unlock()
		if onExecuting != nil {
			onExecuting(promptID, nodeID)
		}
	}
	hooks.OnProgress = func(promptID string, value, max int) {
		mu.Lock()
		defer mu.Unlock()
		if bar == nil {
			bar = progressbar.NewOptions(max,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription(fmt.Sprintf("node %s", node)),
				progressbar.OptionShowCount(),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
			)
		}
		_ = bar.Set(value)
	}
	return &hooks
}
