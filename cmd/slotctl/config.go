package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/nixpig/slotserver/internal/flagscan"

	// NOTE: The std lib flag package would be fine, but wanted consistent
	// UX with slotrun without the overhead of cobra, so using pflag.
	"github.com/spf13/pflag"
)

const (
	opStatus  = "status"
	opDrain   = "drain"
	opRelease = "release"
)

type config struct {
	auth string
	op   string
}

func (c *config) validate() error {
	if c.auth == "" {
		return errors.New("no pool to inspect: pass --auth or set " + flagscan.EnvVar)
	}

	switch c.op {
	case opStatus, opDrain, opRelease:
		return nil
	}

	return fmt.Errorf("unknown op '%s'", c.op)
}

func parseFlags() *config {
	cfg := &config{}

	pflag.StringVar(&cfg.auth, "auth", "", "Auth string of the pool to inspect")

	pflag.StringVar(
		&cfg.op,
		"op",
		opStatus,
		"Operation: status, drain or release",
	)

	pflag.Parse()

	if cfg.auth == "" {
		cfg.auth, _ = flagscan.FindAuth(os.Getenv(flagscan.EnvVar))
	}

	return cfg
}
