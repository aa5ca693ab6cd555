package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/orchestrator"
)

func newWatchCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch project records and print changes as they happen",
		Long: `Watch tails the state store and prints a status line every time a
project record changes. Handy while an external trigger drives runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cfg, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return &ExitError{Code: 2, Message: fmt.Sprintf("create watcher: %v", err)}
			}
			defer watcher.Close()

			root := cfg.Storage.Root
			if err := os.MkdirAll(root, 0755); err != nil {
				return &ExitError{Code: 2, Message: err.Error()}
			}
			if err := watcher.Add(root); err != nil {
				return &ExitError{Code: 2, Message: fmt.Sprintf("watch %s: %v", root, err)}
			}
			// Existing project directories need their own watches; the root
			// watch only sees new ones being created.
			entries, err := os.ReadDir(root)
			if err != nil {
				return &ExitError{Code: 2, Message: err.Error()}
			}
			for _, entry := range entries {
				if entry.IsDir() {
					if err := watcher.Add(filepath.Join(root, entry.Name())); err != nil {
						fmt.Fprintf(os.Stderr, "warning: watch %s: %v\n", entry.Name(), err)
					}
				}
			}

			fmt.Printf("Watching %s (ctrl-c to stop)\n", root)
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					handleWatchEvent(orch, watcher, root, event)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintf(os.Stderr, "warning: watcher: %v\n", err)
				}
			}
		},
	}
	return cmd
}

func handleWatchEvent(orch *orchestrator.Orchestrator, watcher *fsnotify.Watcher, root string, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && filepath.Dir(event.Name) == root {
			_ = watcher.Add(event.Name)
			return
		}
	}

	if filepath.Base(event.Name) != "state.json" {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	projectID := filepath.Base(filepath.Dir(event.Name))
	st, err := orch.Store().Load(projectID)
	if err != nil {
		fmt.Printf("%-30s (unreadable: %v)\n", projectID, err)
		return
	}
	fmt.Printf("%-30s %-16s %-14s invocations=%d history=%d\n",
		st.ProjectID, st.CurrentStage, st.Status, st.InvocationCountInStage, len(st.History))
}
