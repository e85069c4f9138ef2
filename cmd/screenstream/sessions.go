package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/screenstream/internal/appconfig"
	"pkt.systems/screenstream/internal/persist"
)

func newSessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath(cmd))
			if err != nil {
				return err
			}
			store, err := persist.NewStoreWithLogger(filepath.Join(cfg.StateDir, "sessions"), pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			records, err := store.List()
			if err != nil {
				return err
			}
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SESSION\tSTARTED\tSTATUS\tSCREENS\tPROMPT")
			for _, record := range records {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					record.Result.ID,
					record.Result.StartedAt.Local().Format(time.DateTime),
					record.Result.Status,
					len(record.Result.Screens),
					promptPreview(record.Prompt, 48),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions to list (0 for all)")
	return cmd
}

func promptPreview(prompt string, max int) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	runes := []rune(prompt)
	if max <= 0 || len(runes) <= max {
		return prompt
	}
	return string(runes[:max]) + "..."
}
