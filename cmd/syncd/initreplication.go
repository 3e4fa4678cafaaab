package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/wal"
)

var initDrop bool

var initReplicationCmd = &cobra.Command{
	Use:   "init-replication",
	Short: "Create (or recreate) the logical replication slot",
	Long: `Init-replication ensures the logical replication slot exists with the
configured output plugin. With --drop it drops an existing slot first,
discarding any retained WAL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()

		if initDrop {
			if err := wal.DropSlot(ctx, pool, cfg.Replication.SlotName); err != nil {
				return fmt.Errorf("drop slot: %w", err)
			}
			logger.Info().Str("slot", cfg.Replication.SlotName).Msg("dropped existing slot")
		}

		created, err := wal.EnsureSlot(ctx, pool, cfg.Replication.SlotName, cfg.Replication.OutputPlugin)
		if err != nil {
			return fmt.Errorf("ensure slot: %w", err)
		}
		if created {
			fmt.Printf("Created replication slot %q (plugin %s)\n", cfg.Replication.SlotName, cfg.Replication.OutputPlugin)
		} else {
			fmt.Printf("Replication slot %q already exists\n", cfg.Replication.SlotName)
		}

		slots, err := wal.ListSlots(ctx, pool)
		if err != nil {
			return fmt.Errorf("list slots: %w", err)
		}
		for _, s := range slots {
			if s.Name != cfg.Replication.SlotName {
				continue
			}
			fmt.Printf("  plugin=%s active=%t confirmed_flush=%s\n",
				s.Plugin, s.Active, s.ConfirmedFlush)
		}
		return nil
	},
}

func init() {
	initReplicationCmd.Flags().BoolVar(&initDrop, "drop", false, "Drop the slot first if it exists")
	rootCmd.AddCommand(initReplicationCmd)
}
