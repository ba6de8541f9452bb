package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim abandoned instances now",
	Long: `Run one reaper pass immediately: instances whose cleanup deadline has
passed, or whose owning process is gone, are shut down and their
workspaces removed.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	n, err := newReaper(cfg, reg, logger).Sweep()
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Nothing to reclaim.")
		return nil
	}
	fmt.Printf("Reclaimed %d instance(s).\n", n)
	return nil
}
