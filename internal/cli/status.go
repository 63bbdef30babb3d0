package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show listener status",
	Long:  `Show the current status of the Outpost listener.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := pidFilePath(cfg)
	if !isRunning(pidFile) {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Status: running")
	fmt.Fprintf(cmd.OutOrStdout(), "PID: %d\n", pid)

	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	// Best effort: the live health endpoint has thread counts the PID
	// file cannot tell us.
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Listen.Port))
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var health struct {
		Agent   string `json:"agent"`
		Version string `json:"version"`
		Threads int    `json:"threads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Agent: %s\n", health.Agent)
	fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", health.Version)
	fmt.Fprintf(cmd.OutOrStdout(), "Active threads: %d\n", health.Threads)

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
