package dispatch_test

import (
	"log/slog"
	"testing"

	"github.com/nixpig/slotserver/internal/dispatch"
	"github.com/nixpig/slotserver/internal/jobserver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func runCommands(
	t *testing.T,
	backend jobserver.Backend,
	cfg dispatch.RunnerConfig,
	commands []dispatch.Command,
) int {
	t.Helper()

	runner := dispatch.NewRunner(backend, testLogger(), cfg)
	defer runner.Close()

	failed, err := runner.Run(commands)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return failed
}

func TestRunnerSerial(t *testing.T) {
	failed := runCommands(t, nil, dispatch.RunnerConfig{}, []dispatch.Command{
		{Program: "true"},
		{Line: "exit 0"},
		{Program: "true"},
	})

	if failed != 0 {
		t.Errorf("expected failed: got '%d', want '%d'", failed, 0)
	}
}

func TestRunnerParallel(t *testing.T) {
	b, err := jobserver.SetupPipe(3)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer b.Close()

	commands := make([]dispatch.Command, 6)
	for i := range commands {
		commands[i] = dispatch.Command{Line: "sleep 0.05"}
	}

	failed := runCommands(t, b, dispatch.RunnerConfig{}, commands)

	if failed != 0 {
		t.Errorf("expected failed: got '%d', want '%d'", failed, 0)
	}

	// Every token the runner acquired must have come home.
	if got, err := b.Available(); err != nil || got != 2 {
		t.Errorf("expected available: got '%d' (err '%v'), want '%d'", got, err, 2)
	}
}

func TestRunnerStopsOnFailure(t *testing.T) {
	failed := runCommands(t, nil, dispatch.RunnerConfig{}, []dispatch.Command{
		{Program: "false"},
		{Program: "true"},
		{Program: "true"},
	})

	if failed != 1 {
		t.Errorf("expected failed: got '%d', want '%d'", failed, 1)
	}
}

func TestRunnerKeepGoing(t *testing.T) {
	failed := runCommands(
		t,
		nil,
		dispatch.RunnerConfig{KeepGoing: true},
		[]dispatch.Command{
			{Program: "false"},
			{Program: "true"},
			{Line: "exit 7"},
			{Program: "true"},
		},
	)

	if failed != 2 {
		t.Errorf("expected failed: got '%d', want '%d'", failed, 2)
	}
}

func TestRunnerTokensReclaimedFromDeadChildren(t *testing.T) {
	b, err := jobserver.SetupPipe(4)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer b.Close()

	// Children that die without any release of their own: the parent
	// reclaims their tokens when it reaps them.
	commands := make([]dispatch.Command, 5)
	for i := range commands {
		commands[i] = dispatch.Command{Line: "sleep 0.05; exit 1"}
	}

	failed := runCommands(
		t,
		b,
		dispatch.RunnerConfig{KeepGoing: true},
		commands,
	)

	if failed != 5 {
		t.Errorf("expected failed: got '%d', want '%d'", failed, 5)
	}

	if got, err := b.Available(); err != nil || got != 3 {
		t.Errorf("expected available: got '%d' (err '%v'), want '%d'", got, err, 3)
	}
}

func TestRunnerPropagatesAuthToCooperating(t *testing.T) {
	b, err := jobserver.SetupPipe(2)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer b.Close()

	failed := runCommands(t, b, dispatch.RunnerConfig{}, []dispatch.Command{{
		Line:        `case "$SLOTFLAGS" in *--jobserver-auth=*) exit 0;; *) exit 1;; esac`,
		Cooperating: true,
	}})

	if failed != 0 {
		t.Error("expected cooperating child to receive the auth option")
	}
}

func TestRunnerHidesAuthFromOrdinary(t *testing.T) {
	b, err := jobserver.SetupPipe(2)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer b.Close()

	failed := runCommands(
		t,
		b,
		dispatch.RunnerConfig{BaseFlags: "--jobserver-auth=9,9"},
		[]dispatch.Command{{
			Line: `case "$SLOTFLAGS" in *jobserver-auth*) exit 1;; *) exit 0;; esac`,
		}},
	)

	if failed != 0 {
		t.Error("expected ordinary child not to see the auth option")
	}
}
