package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkstream/chunkstream/internal/cli/output"
	"github.com/chunkstream/chunkstream/internal/cli/timeutil"
	"github.com/chunkstream/chunkstream/pkg/config"
)

var (
	statusOutput  string
	statusPidFile string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending uploads in the configured state store",
	Long: `Report whether a background chunkstream daemon is running, and list
every pending upload currently tracked by the configured state store.

There is no health endpoint to poll (no HTTP server exists in this core):
status opens the same state store backend the daemon uses and lists its
records directly.

Examples:
  # Check status (uses default settings)
  chunkstream status

  # Output as JSON
  chunkstream status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/chunkstream/chunkstream.pid)")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// fileRow renders one state store record for output.TableRenderer.
type fileRow struct {
	FileID            string  `json:"file_id" yaml:"file_id"`
	Name              string  `json:"name" yaml:"name"`
	Progress          float64 `json:"progress" yaml:"progress"`
	CompletionInBytes int64   `json:"completion_in_bytes" yaml:"completion_in_bytes"`
	OriginalSize      int64   `json:"original_size" yaml:"original_size"`
}

type fileTable []fileRow

func (t fileTable) Headers() []string {
	return []string{"FILE ID", "NAME", "PROGRESS", "BYTES", "SIZE"}
}

func (t fileTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		rows = append(rows, []string{
			r.FileID,
			r.Name,
			fmt.Sprintf("%.1f%%", r.Progress),
			strconv.FormatInt(r.CompletionInBytes, 10),
			strconv.FormatInt(r.OriginalSize, 10),
		})
	}
	return rows
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}
	daemonRunning, daemonPID := checkDaemon(pidPath)
	daemonUptime := ""
	if daemonRunning {
		if info, err := os.Stat(pidPath); err == nil {
			daemonUptime = timeutil.FormatUptime(time.Since(info.ModTime()).String())
		}
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = st.close() }()

	records, err := st.orchestrator.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending uploads: %w", err)
	}

	rows := make(fileTable, 0, len(records))
	for _, r := range records {
		progress := 0.0
		if r.OriginalSize > 0 {
			progress = 100 * float64(r.CompletionInBytes) / float64(r.OriginalSize)
		}
		rows = append(rows, fileRow{
			FileID:            r.FileID,
			Name:              r.Name,
			Progress:          progress,
			CompletionInBytes: r.CompletionInBytes,
			OriginalSize:      r.OriginalSize,
		})
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, rows)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, rows)
	default:
		printStatusHeader(daemonRunning, daemonPID, daemonUptime, cfg.StateStore.Backend)
		return output.PrintTable(os.Stdout, rows)
	}
}

func printStatusHeader(daemonRunning bool, pid int, uptime, backend string) {
	fmt.Println()
	if daemonRunning {
		fmt.Printf("  Daemon:       \033[32m● Running\033[0m (PID %d, up %s)\n", pid, uptime)
	} else {
		fmt.Printf("  Daemon:       \033[31m○ Not running\033[0m\n")
	}
	fmt.Printf("  State store:  %s\n", backend)
	fmt.Println()
}

// checkDaemon reports whether the PID recorded at pidPath refers to a
// live process.
func checkDaemon(pidPath string) (bool, int) {
	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return false, 0
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}
