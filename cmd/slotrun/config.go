package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "slotrun.toml"

// fileConfig holds defaults loaded from a TOML file. Flags given on
// the command line always win.
type fileConfig struct {
	Jobs      int    `toml:"jobs"`
	Style     string `toml:"style"`
	KeepGoing bool   `toml:"keep_going"`
	FifoDir   string `toml:"fifo_dir"`
	FifoName  string `toml:"fifo_name"`
}

// loadConfig reads path, or the default config file if path is empty.
// A missing default file is not an error; a missing explicit one is.
func loadConfig(path string) (*fileConfig, error) {
	explicit := path != ""
	if path == "" {
		path = defaultConfigPath
	}

	cfg := &fileConfig{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}

		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	return cfg, nil
}

func applyConfigDefaults(
	cfg *runConfig,
	file *fileConfig,
	flags *pflag.FlagSet,
) {
	if !flags.Changed("jobs") && file.Jobs > 0 {
		cfg.jobs = file.Jobs
	}

	if !flags.Changed("style") && file.Style != "" {
		cfg.style = file.Style
	}

	if !flags.Changed("keep-going") && file.KeepGoing {
		cfg.keepGoing = true
	}

	if cfg.fifoDir == "" {
		cfg.fifoDir = file.FifoDir
	}

	if cfg.fifoName == "" {
		cfg.fifoName = file.FifoName
	}
}
