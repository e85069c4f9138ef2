package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/screenstream/httpapi"
	"pkt.systems/screenstream/internal/appconfig"
	"pkt.systems/screenstream/internal/metrics"
	"pkt.systems/screenstream/schema"
)

const textfileInterval = 15 * time.Second

func newMockCmd() *cobra.Command {
	var addr string
	var chunkSize int
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run a mock generation endpoint",
		Long:  "Run a mock generation endpoint. Scenarios: " + strings.Join(httpapi.ScenarioNames(), ", ") + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath(cmd))
			if err != nil {
				return err
			}
			mockCfg := mockConfigFrom(cfg)
			if addr != "" {
				mockCfg.Addr = addr
			}
			if chunkSize > 0 {
				mockCfg.ChunkSize = chunkSize
			}
			if cmd.Flags().Changed("delay") {
				mockCfg.Delay = delay
			}
			return runMock(cmd.Context(), mockCfg, cfg.Metrics.Textfile)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "bytes of generated text per chunk (default from config)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "pause between envelopes (default from config)")
	return cmd
}

func mockConfigFrom(cfg appconfig.Config) httpapi.Config {
	out := httpapi.Config{
		Addr:         cfg.Mock.Addr,
		ChunkSize:    cfg.Mock.ChunkSize,
		Delay:        time.Duration(cfg.Mock.DelayMS) * time.Millisecond,
		FreeMessages: cfg.Mock.FreeMessages,
		DefaultModel: schema.ModelID(cfg.Models.Default),
	}
	for _, model := range cfg.Models.Allowed {
		out.AllowedModels = append(out.AllowedModels, schema.ModelID(model))
	}
	for _, model := range cfg.Mock.RestrictedModels {
		out.RestrictedModels = append(out.RestrictedModels, schema.ModelID(model))
	}
	return out
}

func runMock(ctx context.Context, cfg httpapi.Config, textfile string) error {
	logger := pslog.Ctx(ctx).With("component", "mock")
	rec := metrics.New(true)
	server := httpapi.NewServer(cfg, logger, rec)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.ListenAndServe(pslog.ContextWithLogger(ctx, logger), cfg.Addr, server.Handler())
	})
	if textfile != "" {
		group.Go(func() error {
			return exportTextfile(ctx, rec, textfile, textfileInterval, logger)
		})
	}
	return group.Wait()
}

// exportTextfile rewrites the metrics textfile every interval and once more
// on shutdown.
func exportTextfile(ctx context.Context, rec *metrics.Recorder, path string, interval time.Duration, logger pslog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := rec.WriteTextfile(path); err != nil {
				logger.Warn("metrics textfile write failed", "path", path, "err", err)
			}
			return nil
		case <-ticker.C:
			if err := rec.WriteTextfile(path); err != nil {
				logger.Warn("metrics textfile write failed", "path", path, "err", err)
			}
		}
	}
}
