package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"curator/api_orchestrator/internal/scheduler"
	"curator/pkg/logging"
)

func newStatusCmd() *cobra.Command {
	var (
		asJSON  bool
		noColor bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's activity and each task's last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, logging.NewScriptLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			st, err := e.store.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			scheduler.RenderStatus(out, e.registry, st, time.Now(), !noColor && isTerminal(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	cmd.Flags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "Disable colour")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
