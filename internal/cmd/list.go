package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tinypg/tinypg/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instances",
	Long: `List every registered instance with its port, server status, age, and
reclaim deadline. Dead entries show up as such until a sweep removes them.`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	aliveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Close()

	reg, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}

	entries, err := reg.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	fmt.Println(renderInstanceTable(entries, time.Now()))
	return nil
}

// renderInstanceTable formats registry entries as an aligned table. Shared
// with the watch view.
func renderInstanceTable(entries []*registry.Entry, now time.Time) string {
	var b strings.Builder

	b.WriteString(dimStyle.Render(strings.Repeat("─", 78)))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-7s %-6s %-8s %-10s %s",
		"ID", "PID", "PORT", "STATUS", "AGE", "DEADLINE")))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", 78)))
	b.WriteString("\n")

	if len(entries) == 0 {
		b.WriteString("No registered instances.\n")
		return b.String()
	}

	for _, e := range entries {
		status := deadStyle.Render("dead")
		if e.ServerAlive() {
			status = aliveStyle.Render("alive")
		}

		deadline := e.Deadline.Format("15:04:05")
		if e.Expired(now) {
			deadline = deadStyle.Render(deadline + " (expired)")
		}

		b.WriteString(fmt.Sprintf("%-10s %-7d %-6d %-8s %-10s %s\n",
			e.ID, e.ServerPID, e.Port, status,
			now.Sub(e.CreatedAt).Round(time.Second), deadline))
	}
	return b.String()
}
