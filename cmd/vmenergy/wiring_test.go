package main

import (
	"errors"
	"os"
	"testing"

	"vmenergy/internal/config"
	"vmenergy/internal/lease"
	"vmenergy/internal/logging"
)

func stubExit(t *testing.T) *int {
	t.Helper()
	code := -1
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = os.Exit })
	return &code
}

func TestRuntimeEnvFailReleasesLease(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewLogger(logging.LevelError)
	env := &runtimeEnv{cfg: config.Config{ServerIP: "10.0.0.5"}, logger: logger, stateDir: dir}
	code := stubExit(t)

	if held := env.holdLease(); held == nil {
		t.Fatal("holdLease() returned nil")
	}
	env.fail("agent.error", "Agent failed", errors.New("storage unreachable"))

	if *code != 1 {
		t.Errorf("exit code = %d, want 1", *code)
	}
	info, _, err := lease.NewManager(dir, nil, logger).Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if info != nil {
		t.Errorf("lease still held by %s after failure", info.Holder)
	}
	if _, err := lease.NewManager(dir, nil, logger).Acquire("standby:1", "10.0.0.5"); err != nil {
		t.Errorf("second agent could not take the lease: %v", err)
	}
}

func TestRuntimeEnvCloseRunsOnce(t *testing.T) {
	env := &runtimeEnv{logger: logging.NewLogger(logging.LevelError)}
	var order []string
	env.closers = append(env.closers,
		func() error { order = append(order, "logger"); return nil },
		func() error { order = append(order, "store"); return errors.New("already closed") },
	)

	env.close()
	env.close()

	if len(order) != 2 || order[0] != "store" || order[1] != "logger" {
		t.Errorf("close order = %v, want [store logger]", order)
	}
}
