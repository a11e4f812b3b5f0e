package main

import (
	"fmt"
	"os"

	"github.com/nixpig/slotserver/internal/jobserver"
)

func main() {
	cfg := parseFlags()

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}

	if err := runOp(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}
}

func runOp(cfg *config) error {
	backend, err := jobserver.Decode(cfg.auth)
	if err != nil {
		return err
	}
	defer backend.Close()

	switch cfg.op {
	case opStatus:
		n, err := backend.Available()
		if err != nil {
			return err
		}
		fmt.Printf("%d tokens available\n", n)

	case opDrain:
		fmt.Printf("drained %d tokens\n", backend.DrainAll())

	case opRelease:
		if err := backend.Release(); err != nil {
			return err
		}
		fmt.Println("released 1 token")
	}

	return nil
}
