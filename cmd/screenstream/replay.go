package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/screenstream/httpapi"
	"pkt.systems/screenstream/internal/appconfig"
	"pkt.systems/screenstream/internal/persist"
	"pkt.systems/screenstream/internal/protocol"
	"pkt.systems/screenstream/schema"
)

type replayOptions struct {
	chunkSize int
	asJSON    bool
	outDir    string
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Re-decode a stored session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath(cmd))
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context())
			store, err := persist.NewStoreWithLogger(filepath.Join(cfg.StateDir, "sessions"), logger)
			if err != nil {
				return err
			}
			id := schema.SessionID(strings.TrimSpace(args[0]))
			record, ok, err := store.Load(id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, id)
			}
			screens := replayTranscript(record.Result.Raw, opts.chunkSize, logger)
			if len(screens) != len(record.Result.Screens) {
				logger.Warn("replay screen count differs", "session", id, "stored", len(record.Result.Screens), "replayed", len(screens))
			}
			if opts.outDir != "" {
				writer, err := newScreenWriter(opts.outDir)
				if err != nil {
					return err
				}
				for _, screen := range screens {
					if _, err := writer.write(screen); err != nil {
						return err
					}
				}
				replayed := record.Result
				replayed.Screens = screens
				if _, err := writer.writeManifest(replayed); err != nil {
					return err
				}
			}
			return printScreens(cmd.OutOrStdout(), screens, opts.asJSON)
		},
	}
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 0, "feed the transcript in pieces of this many bytes (0 feeds it whole)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print screens as JSON")
	cmd.Flags().StringVarP(&opts.outDir, "output", "o", "", "also write replayed screens to this directory")
	return cmd
}

// replayTranscript runs raw through a fresh decoder, including end of stream
// recovery.
func replayTranscript(raw string, chunkSize int, logger pslog.Logger) []schema.Screen {
	machine := protocol.NewMachine(nil, logger)
	for _, chunk := range httpapi.SplitChunks(raw, chunkSize) {
		machine.Feed(chunk)
	}
	machine.Finish()
	return machine.Screens()
}

func printScreens(w io.Writer, screens []schema.Screen, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(screens)
	}
	for _, screen := range screens {
		grid := "-"
		if screen.HasGrid() {
			grid = fmt.Sprintf("%d,%d", *screen.GridCol, *screen.GridRow)
		}
		flags := ""
		if screen.IsEdit {
			flags += " edit"
		}
		if screen.IsRoot {
			flags += " root"
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%d bytes%s\n", screen.Name, grid, len(screen.HTML), flags); err != nil {
			return err
		}
	}
	return nil
}
