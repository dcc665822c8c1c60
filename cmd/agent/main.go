package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/polzovatel/browser-command-agent/internal/config"
)

type cliOptions struct {
	configFile string
	dryRun     bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var opts cliOptions
	cmd := &cobra.Command{
		Use:   "agent [command...]",
		Short: "Run plain-English commands in a browser",
		Long: `agent turns a plain-English command into a browser plan and executes it.

Without arguments it reads commands interactively until an empty line.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, opts.configFile)
			if err != nil {
				return err
			}
			command := strings.TrimSpace(strings.Join(args, " "))
			return run(cmd.Context(), cfg, command, opts.dryRun, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "config file (default ./agent.yaml when present)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "print the plan without executing it")
	f.Bool("headless", false, "run the browser without a window")
	f.String("backend", config.BackendPlaywright, "browser backend: playwright or chromedp")
	f.String("provider", "", "LLM provider: gemini, anthropic or openai")
	f.String("model", "", "model name for the selected provider")
	f.String("storage-state", "", "load cookies and storage from this file")
	f.String("save-state", "", "save cookies and storage to this file on exit")
	f.String("log-level", "info", "log level")
	f.String("log-file", "", "also write JSON logs to this rotated file")
	f.String("metrics-file", "", "write Prometheus metrics to this textfile on exit")

	for key, flag := range map[string]string{
		"browser.headless":      "headless",
		"browser.backend":       "backend",
		"llm.provider":          "provider",
		"llm.model":             "model",
		"browser.storage_state": "storage-state",
		"browser.save_state":    "save-state",
		"log.level":             "log-level",
		"log.file":              "log-file",
		"metrics.file":          "metrics-file",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}
