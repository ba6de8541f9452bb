package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinypg/tinypg"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an instance and print its connection URI",
	Long: `Start a disposable PostgreSQL instance in the background and print its
connection URI. The instance keeps running after tinypg exits and is
reclaimed when its cleanup timeout elapses, or earlier via 'tinypg stop'.`,
	RunE: runStart,
}

var (
	startPort           int
	startCleanupTimeout time.Duration
	startKeepData       bool
	startServerArgs     []string
)

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().IntVarP(&startPort, "port", "p", 0, "Specific TCP port (default: auto-assign)")
	startCmd.Flags().DurationVarP(&startCleanupTimeout, "timeout", "t", 0, "Cleanup timeout before the instance is reclaimed (default: from config)")
	startCmd.Flags().BoolVar(&startKeepData, "keep-data", false, "Retain the data directory after stop")
	startCmd.Flags().StringArrayVar(&startServerArgs, "server-arg", nil, "Extra argument for the postgres server (repeatable)")
}

func runStart(cmd *cobra.Command, args []string) error {
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

	opts := []tinypg.Option{
		tinypg.WithConfig(cfg),
		tinypg.WithLogger(logger),
		tinypg.WithRegistry(reg),
	}
	if startPort != 0 {
		opts = append(opts, tinypg.WithPort(startPort))
	}
	if startCleanupTimeout != 0 {
		opts = append(opts, tinypg.WithCleanupTimeout(startCleanupTimeout))
	}
	if startKeepData {
		opts = append(opts, tinypg.WithKeepData())
	}
	if len(startServerArgs) > 0 {
		opts = append(opts, tinypg.WithServerArgs(startServerArgs...))
	}

	db, err := tinypg.New(opts...)
	if err != nil {
		return err
	}

	uri, err := db.Start(cmd.Context())
	if err != nil {
		return err
	}

	// The CLI process exits after printing, so the entry's owner must be the
	// server itself: the instance lives until its deadline, not until this
	// command returns.
	if entry, ok := reg.Get(db.ID()); ok {
		entry.OwnerPID = entry.ServerPID
		if err := reg.Add(entry, nil); err != nil {
			fmt.Printf("Warning: failed to update registry entry: %v\n", err)
		}
	}

	fmt.Printf("Started instance %s\n", db.ID())
	fmt.Printf("  URI:      %s\n", uri)
	fmt.Printf("  Port:     %d\n", db.Port())
	fmt.Printf("  Data:     %s\n", db.DataDir())
	if entry, ok := reg.Get(db.ID()); ok {
		fmt.Printf("  Deadline: %s\n", entry.Deadline.Format(time.RFC3339))
	}
	fmt.Printf("\nStop with: tinypg stop %s\n", db.ID())
	return nil
}
