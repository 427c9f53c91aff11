package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var errNotRunning = errors.New("tablemate is not running")

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

// daemonProcess returns the process recorded in dataDir's PID file. A PID
// file left behind by a crashed daemon is removed.
func daemonProcess(dataDir string) (*os.Process, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	data, err := os.ReadFile(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("corrupt PID file %s", pidPath)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)
		return nil, fmt.Errorf("%w (stale PID %d removed)", errNotRunning, pid)
	}
	return proc, nil
}

func signalDaemon(sig syscall.Signal, action string) error {
	cfg := loadConfig()
	proc, err := daemonProcess(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("send %s: %w", sig, err)
	}
	fmt.Fprintf(os.Stdout, "Asked tablemate (PID %d) to %s.\n", proc.Pid, action)
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon; open conversations resume on next start",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGTERM, "stop")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon to pick up config changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGHUP, "restart")
	},
}
