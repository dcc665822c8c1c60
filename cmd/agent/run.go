package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-command-agent/internal/agent"
	"github.com/polzovatel/browser-command-agent/internal/browser"
	"github.com/polzovatel/browser-command-agent/internal/config"
	"github.com/polzovatel/browser-command-agent/internal/executor"
	"github.com/polzovatel/browser-command-agent/internal/llm"
	"github.com/polzovatel/browser-command-agent/internal/metrics"
	"github.com/polzovatel/browser-command-agent/internal/observability"
	"github.com/polzovatel/browser-command-agent/internal/planner"
	"github.com/polzovatel/browser-command-agent/internal/selector"
)

const maxCommandLength = 2000

var errCommandFailed = errors.New("command failed")

// stateSaver is implemented by drivers that can persist the session.
type stateSaver interface {
	SaveState(ctx context.Context, path string) error
}

func run(ctx context.Context, cfg *config.Config, command string, dryRun bool, in io.Reader, out io.Writer) error {
	logger, closer, err := observability.NewLogger(observability.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	if cfg.Metrics.File != "" {
		defer func() {
			if err := collector.WriteTextfile(cfg.Metrics.File); err != nil {
				logger.Error().Err(err).Msg("write metrics")
			}
		}()
	}

	client, err := llm.New(ctx, cfg.LLMSettings(), logger)
	if err != nil {
		return fmt.Errorf("llm init: %w", err)
	}
	pl := planner.New(client, logger,
		planner.WithObserver(collector),
		planner.WithProvider(cfg.LLM.Provider),
		planner.WithTemperature(cfg.LLM.Temperature),
	)

	driver, shutdown, err := openDriver(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("browser init: %w", err)
	}
	defer shutdown()

	exec := executor.New(cfg.ExecutorConfig(), selector.New(), logger, executor.WithObserver(collector))
	ag, err := agent.New(cfg.AgentConfig(), driver, pl, exec, logger, agent.WithObserver(collector))
	if err != nil {
		return err
	}
	defer ag.Close()

	once := func(command string) error {
		if dryRun {
			return printPlan(ctx, ag, command, out)
		}
		res := ag.Interact(ctx, command)
		fmt.Fprintln(out, res.String())
		if !res.Success {
			return fmt.Errorf("%w: %s", errCommandFailed, res.Message)
		}
		return nil
	}

	if command != "" {
		err = once(sanitizeCommand(command))
	} else {
		err = repl(ctx, in, out, once)
	}

	if path := cfg.Browser.SaveState; path != "" && err == nil {
		if saver, ok := driver.(stateSaver); ok {
			if err := saver.SaveState(ctx, path); err != nil {
				logger.Error().Err(err).Msg("save state")
			} else {
				logger.Info().Str("path", path).Msg("storage saved")
			}
		} else {
			logger.Warn().Str("backend", cfg.Browser.Backend).Msg("backend cannot save storage state")
		}
	}
	return err
}

// openDriver launches the configured backend. shutdown releases the page
// and the browser.
func openDriver(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (browser.Driver, func(), error) {
	opts := cfg.BrowserOptions()
	closeCtx := context.WithoutCancel(ctx)
	switch cfg.Browser.Backend {
	case config.BackendChromedp:
		d, err := browser.LaunchChrome(ctx, opts, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {
			if err := d.Close(closeCtx); err != nil {
				logger.Debug().Err(err).Msg("close chrome")
			}
		}, nil
	default:
		launcher, err := browser.NewLauncher(ctx, opts, logger)
		if err != nil {
			return nil, nil, err
		}
		d, err := launcher.NewDriver(ctx)
		if err != nil {
			_ = launcher.Close()
			return nil, nil, err
		}
		return d, func() {
			if err := d.Close(closeCtx); err != nil {
				logger.Debug().Err(err).Msg("close page")
			}
			if err := launcher.Close(); err != nil {
				logger.Debug().Err(err).Msg("stop playwright")
			}
		}, nil
	}
}

// repl runs commands until an empty line, EOF or cancellation. A failed
// command does not end the session.
func repl(ctx context.Context, in io.Reader, out io.Writer, once func(string) error) error {
	reader := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(out, "Command (empty line to quit): ")
		line, err := reader.ReadString('\n')
		command := sanitizeCommand(line)
		if command == "" {
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		}
		if runErr := once(command); runErr != nil && !errors.Is(runErr, errCommandFailed) {
			return runErr
		}
		if err != nil {
			return nil
		}
	}
}

func printPlan(ctx context.Context, ag *agent.Agent, command string, out io.Writer) error {
	p, err := ag.Plan(ctx, command)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// sanitizeCommand trims, caps the length and drops control characters.
func sanitizeCommand(line string) string {
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxCommandLength {
		line = string(r[:maxCommandLength])
	}
	var b strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
