package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nixpig/slotserver/internal/dispatch"
	"github.com/nixpig/slotserver/internal/flagscan"
	"github.com/nixpig/slotserver/internal/jobserver"
	"github.com/spf13/cobra"
)

type runConfig struct {
	jobs        int
	style       string
	fifoDir     string
	fifoName    string
	auth        string
	scriptPath  string
	cooperating bool
	keepGoing   bool
	debug       bool
	configPath  string
}

func rootCmd() *cobra.Command {
	cfg := &runConfig{}

	c := &cobra.Command{
		Use:          "slotrun [flags] [--] command [args...]",
		Short:        "Run commands in parallel under a shared job-token pool",
		Example:      "slotrun -j 4 -f build.txt",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := loadConfig(cfg.configPath)
			if err != nil {
				return err
			}
			applyConfigDefaults(cfg, fileCfg, cmd.Flags())

			return run(cfg, args)
		},
	}

	c.Flags().IntVarP(&cfg.jobs, "jobs", "j", 1, "Maximum number of concurrent jobs")
	c.Flags().StringVar(&cfg.style, "style", "pipe", "Token pool style: pipe or fifo")
	c.Flags().StringVar(&cfg.fifoDir, "fifo-dir", "", "Directory for the fifo-style pool")
	c.Flags().StringVar(&cfg.fifoName, "fifo-name", "", "Fixed name for the fifo-style pool")

	c.Flags().StringVar(
		&cfg.auth,
		"jobserver-auth",
		"",
		"Attach to an existing pool instead of creating one",
	)

	c.Flags().StringVarP(&cfg.scriptPath, "file", "f", "", "Read commands from file, one per line")
	c.Flags().BoolVar(&cfg.cooperating, "cooperating", false, "Treat the given command as a recursive sub-build")
	c.Flags().BoolVarP(&cfg.keepGoing, "keep-going", "k", false, "Continue past failed commands")
	c.Flags().BoolVar(&cfg.debug, "debug", false, "Enable debug logs")
	c.Flags().StringVar(&cfg.configPath, "config", "", "Path to TOML config file")

	return c
}

func run(cfg *runConfig, args []string) error {
	logger := newLogger(cfg.debug)

	commands, err := collectCommands(cfg, args)
	if err != nil {
		return err
	}

	backend, topLevel, err := attachPool(cfg, logger)
	if err != nil {
		return err
	}

	runner := dispatch.NewRunner(backend, logger, dispatch.RunnerConfig{
		KeepGoing: cfg.keepGoing,
		BaseFlags: os.Getenv(flagscan.EnvVar),
	})
	defer runner.Close()

	failed, runErr := runner.Run(commands)

	if backend != nil {
		if topLevel {
			// Confirm every granted token came home before teardown.
			reclaimed := backend.DrainAll()
			if reclaimed != cfg.jobs-1 {
				logger.Warn(
					"token pool out of balance at shutdown",
					"reclaimed", reclaimed,
					"want", cfg.jobs-1,
				)
			}
		}
		if err := backend.Close(); err != nil {
			logger.Warn("close token pool", "err", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d commands failed", failed, len(commands))
	}

	return nil
}

// attachPool resolves which pool this process runs against: one it was
// handed by a cooperating parent, a fresh one it creates as the
// top-level process, or none at all for serial execution.
func attachPool(
	cfg *runConfig,
	logger *slog.Logger,
) (jobserver.Backend, bool, error) {
	auth := cfg.auth
	if auth == "" {
		auth, _ = flagscan.FindAuth(os.Getenv(flagscan.EnvVar))
	}

	if auth != "" {
		backend, err := jobserver.Decode(auth)
		if err != nil {
			if errors.Is(err, jobserver.ErrDegraded) {
				logger.Warn(
					"shared token pool unavailable, running serially",
					"err", err,
				)
				return nil, false, nil
			}
			return nil, false, err
		}

		logger.Debug("attached to token pool", "auth", auth)

		return backend, false, nil
	}

	if cfg.jobs <= 1 {
		return nil, true, nil
	}

	style, ok := jobserver.ParseStyle(cfg.style)
	if !ok {
		return nil, false, fmt.Errorf("unknown pool style '%s'", cfg.style)
	}

	var backend jobserver.Backend
	var err error
	if style == jobserver.StyleFifo {
		backend, err = jobserver.SetupFifo(cfg.fifoDir, cfg.fifoName, cfg.jobs)
	} else {
		backend, err = jobserver.SetupPipe(cfg.jobs)
	}
	if err != nil {
		return nil, false, err
	}

	logger.Debug(
		"created token pool",
		"style", style,
		"jobs", cfg.jobs,
		"auth", backend.Encode(),
	)

	return backend, true, nil
}

func collectCommands(cfg *runConfig, args []string) ([]dispatch.Command, error) {
	if cfg.scriptPath != "" {
		data, err := os.ReadFile(cfg.scriptPath)
		if err != nil {
			return nil, fmt.Errorf("read command file: %w", err)
		}

		commands := parseScript(string(data))
		if len(commands) == 0 {
			return nil, fmt.Errorf("no commands in %s", cfg.scriptPath)
		}

		return commands, nil
	}

	if len(args) == 0 {
		return nil, errors.New("no command given: pass a command or --file")
	}

	return []dispatch.Command{{
		Program:     args[0],
		Args:        args[1:],
		Cooperating: cfg.cooperating,
	}}, nil
}

// parseScript splits a command file into work units: one command per
// line, '#' comments, and a leading '+' marking a recursive sub-build
// that shares the pool.
func parseScript(src string) []dispatch.Command {
	var commands []dispatch.Command

	for line := range strings.SplitSeq(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var coop bool
		if rest, ok := strings.CutPrefix(line, "+"); ok {
			coop = true
			line = strings.TrimSpace(rest)
		}
		if line == "" {
			continue
		}

		commands = append(commands, dispatch.Command{
			Line:        line,
			Cooperating: coop,
		})
	}

	return commands
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
