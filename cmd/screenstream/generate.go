package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/screenstream/core"
	"pkt.systems/screenstream/internal/appconfig"
	"pkt.systems/screenstream/internal/logx"
	"pkt.systems/screenstream/internal/metrics"
	"pkt.systems/screenstream/internal/persist"
	"pkt.systems/screenstream/schema"
)

type generateOptions struct {
	model       string
	project     string
	scenario    string
	endpoint    string
	outDir      string
	metricsFile string
	screens     []string
	noSave      bool
}

func newGenerateCmd() *cobra.Command {
	var opts generateOptions
	cmd := &cobra.Command{
		Use:   "generate [prompt|-]",
		Short: "Generate screens from a prompt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath(cmd))
			if err != nil {
				return err
			}
			arg := ""
			if len(args) > 0 {
				arg = args[0]
			}
			prompt, err := resolvePrompt(arg, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runGenerate(cmd.Context(), cfg, opts, prompt, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model id (default from config)")
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "project id")
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "mock scenario name")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "generation endpoint URL (default from config)")
	cmd.Flags().StringVarP(&opts.outDir, "output", "o", "", "directory for generated screens (default from config)")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-textfile", "", "write prometheus metrics to this file when done")
	cmd.Flags().StringArrayVar(&opts.screens, "screen", nil, "existing screen the model may edit, as name=path.html (repeatable)")
	cmd.Flags().BoolVar(&opts.noSave, "no-save", false, "do not store the session for replay")
	return cmd
}

// resolvePrompt reads the prompt from stdin when arg is "-" or empty.
func resolvePrompt(arg string, stdin io.Reader) (string, error) {
	if arg != "" && arg != "-" {
		return arg, nil
	}
	if stdin == nil {
		return "", schema.ErrEmptyPrompt
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", schema.ErrEmptyPrompt
	}
	return prompt, nil
}

// parseScreenFlags loads name=path pairs into existing screens.
func parseScreenFlags(values []string) ([]schema.ExistingScreen, error) {
	out := make([]schema.ExistingScreen, 0, len(values))
	for _, value := range values {
		name, path, ok := strings.Cut(value, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("%w: --screen expects name=path, got %q", schema.ErrInvalidRequest, value)
		}
		data, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("read screen %q: %w", name, err)
		}
		out = append(out, schema.ExistingScreen{Name: name, HTML: string(data)})
	}
	return out, nil
}

func runGenerate(ctx context.Context, cfg appconfig.Config, opts generateOptions, prompt string, stdout io.Writer) error {
	logger := pslog.Ctx(ctx)
	model := schema.ModelID(strings.TrimSpace(opts.model))
	if model == "" {
		model = schema.ModelID(cfg.Models.Default)
	}
	if !cfg.ModelAllowed(model) {
		return fmt.Errorf("%w: model %q is not in models.allowed", schema.ErrInvalidModel, model)
	}
	existing, err := parseScreenFlags(opts.screens)
	if err != nil {
		return err
	}
	endpoint := firstNonEmpty(opts.endpoint, cfg.Endpoint.URL)
	outDir := firstNonEmpty(opts.outDir, cfg.Output.Dir)
	metricsFile := firstNonEmpty(opts.metricsFile, cfg.Metrics.Textfile)

	writer, err := newScreenWriter(outDir)
	if err != nil {
		return err
	}
	var store *persist.Store
	if !opts.noSave {
		store, err = persist.NewStoreWithLogger(filepath.Join(cfg.StateDir, "sessions"), logger)
		if err != nil {
			return err
		}
	}
	rec := metrics.New(false)

	var failure error
	callbacks := core.Callbacks{
		OnScreenOpened: func(header schema.ScreenHeader) {
			logx.WithScreen(logger, header).Info("screen opened")
		},
		OnScreenUpdated: func(header schema.ScreenHeader, html string) {
			logx.WithScreen(logger, header).Trace("screen updated", "html_bytes", len(html))
		},
		OnScreenCompleted: func(screen schema.Screen) {
			log := logx.WithScreen(logger, screen.ScreenHeader)
			path, err := writer.write(screen)
			if err != nil {
				log.Error("screen write failed", "err", err)
				return
			}
			log.Info("screen completed", "path", path, "html_bytes", len(screen.HTML))
			_, _ = fmt.Fprintf(stdout, "%s\t%s\n", screen.Name, path)
		},
		OnMessage: func(text string) {
			logger.Info("model message", "text", text)
		},
		OnProjectName: func(name string) {
			logger.Info("project name", "name", name)
		},
		OnProjectIcon: func(icon string) {
			logger.Info("project icon", "icon", icon)
		},
		OnUsage: func(event schema.UsageEvent) {
			fields := []any{"input", event.InputTokens, "output", event.OutputTokens, "cached", event.CachedTokens}
			if event.CostUSD != nil {
				fields = append(fields, "cost_usd", *event.CostUSD)
			}
			logger.Info("usage", fields...)
		},
		OnError: func(err error) {
			failure = err
		},
		OnQuotaExceeded: func(info schema.QuotaInfo) {
			failure = &schema.QuotaError{Quota: info}
		},
	}

	controller := core.NewController(core.Config{
		Logger:          logger,
		Metrics:         rec,
		Pricing:         cfg.PricingTable(),
		DefaultModel:    schema.ModelID(cfg.Models.Default),
		ResponseTimeout: cfg.ResponseTimeout(),
		Callbacks:       callbacks,
	})
	handle, err := controller.Start(ctx, core.StartRequest{
		Endpoint: endpoint,
		Headers:  cfg.Endpoint.Headers,
		Body: schema.GenerateRequest{
			Prompt:    prompt,
			Model:     model,
			ProjectID: schema.ProjectID(strings.TrimSpace(opts.project)),
			Scenario:  opts.scenario,
			Screens:   existing,
		},
	})
	if err != nil {
		return err
	}
	// The session observes ctx itself; waiting on a fresh context lets an
	// interrupted session finish its bookkeeping.
	result, err := handle.Wait(context.Background())
	if err != nil {
		return err
	}

	manifestPath, err := writer.writeManifest(result)
	if err != nil {
		logger.Warn("manifest write failed", "err", err)
	} else {
		logger.Debug("manifest wrote", "path", manifestPath)
	}
	if store != nil {
		if _, err := store.Save(result, prompt, endpoint); err != nil {
			logger.Warn("session save failed", "err", err)
		} else {
			logger.Info("session saved", "session", result.ID)
		}
	}
	if metricsFile != "" {
		if err := rec.WriteTextfile(metricsFile); err != nil {
			logger.Warn("metrics textfile write failed", "path", metricsFile, "err", err)
		}
	}

	logger.Info("generate finished",
		"session", result.ID,
		"status", result.Status,
		"screens", len(result.Screens),
		"tokens_in", result.Usage.InputTokens,
		"tokens_out", result.Usage.OutputTokens,
		"cost_usd", result.Usage.CostUSD,
	)
	switch result.Status {
	case schema.StatusCompleted:
		return nil
	case schema.StatusAborted:
		return schema.ErrSessionCancelled
	default:
		if failure != nil {
			return failure
		}
		return errors.New(firstNonEmpty(result.Error, "generation failed"))
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
