package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tinypg/tinypg/internal/registry"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of registered instances",
	Long:  `Show the instance list and refresh it every second. Press q to quit.`,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
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

	p := tea.NewProgram(newWatchModel(reg))
	_, err = p.Run()
	return err
}

// watchTickMsg drives the periodic refresh.
type watchTickMsg time.Time

type watchModel struct {
	reg     *registry.Registry
	entries []*registry.Entry
	now     time.Time
	err     error
}

func newWatchModel(reg *registry.Registry) watchModel {
	return watchModel{reg: reg, now: time.Now()}
}

func watchTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.refresh, watchTick())
}

func (m watchModel) refresh() tea.Msg {
	entries, err := m.reg.LoadAll()
	if err != nil {
		return err
	}
	return entries
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case watchTickMsg:
		m.now = time.Time(msg)
		return m, tea.Batch(m.refresh, watchTick())
	case []*registry.Entry:
		m.entries = msg
		m.err = nil
	case error:
		m.err = msg
	}
	return m, nil
}

func (m watchModel) View() string {
	s := renderInstanceTable(m.entries, m.now)
	if m.err != nil {
		s += deadStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
	}
	s += dimStyle.Render("q to quit") + "\n"
	return s
}
