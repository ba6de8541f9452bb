package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinypg/tinypg/internal/errors"
)

var stopCmd = &cobra.Command{
	Use:   "stop [instance-id]",
	Short: "Stop a running instance",
	Long: `Stop a registered instance: shut down its server, release its port, and
remove its data directory. With --all, every registered instance is stopped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

var stopAll bool

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "Stop every registered instance")
}

func runStop(cmd *cobra.Command, args []string) error {
	if !stopAll && len(args) == 0 {
		return fmt.Errorf("provide an instance ID or --all")
	}

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
	reaper := newReaper(cfg, reg, logger)

	if stopAll {
		entries, err := reg.LoadAll()
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No registered instances.")
			return nil
		}

		var failures []error
		for _, e := range entries {
			if err := reaper.Reap(e); err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", e.ID, err))
				continue
			}
			fmt.Printf("Stopped instance %s\n", e.ID)
		}
		return errors.Aggregate("stop --all", failures...)
	}

	entry, err := reg.Find(args[0])
	if err != nil {
		return err
	}
	if err := reaper.Reap(entry); err != nil {
		return err
	}
	fmt.Printf("Stopped instance %s\n", entry.ID)
	return nil
}
