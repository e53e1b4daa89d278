package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/formachat/internal/rpcclient"
)

// pingDaemon checks if a daemon is running and responsive on the socket.
func pingDaemon(socketPath string) bool {
	c, err := rpcclient.New(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Status(ctx)
	return err == nil
}

// startDaemon launches chatd for the session, preferring the binary next to chatctl.
func startDaemon(sessionName string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	chatd := filepath.Join(filepath.Dir(executable), "chatd")
	if _, err := os.Stat(chatd); err != nil {
		chatd = "chatd"
	}

	cmd := exec.Command(chatd, "--session", sessionName)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real RPC, not just a socket connect.
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pingDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
