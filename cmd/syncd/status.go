package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server phase, LSN positions, and connected sessions",
	Long:  `Status reports the last persisted server state: phase, ingest position, slot confirmation, lag, and connected clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := metrics.ReadStateFile()
		if err != nil {
			fmt.Println("No server state found. Is syncd running?")
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}

		age := time.Since(snap.Timestamp)
		stale := ""
		if age > 10*time.Second {
			stale = fmt.Sprintf(" (stale — %s ago)", age.Truncate(time.Second))
		}

		fmt.Printf("Phase:         %s%s\n", snap.Phase, stale)
		fmt.Printf("Elapsed:       %.0fs\n", snap.ElapsedSec)
		fmt.Printf("Ingested LSN:  %s\n", snap.IngestedLSN)
		fmt.Printf("Confirmed LSN: %s\n", snap.ConfirmedLSN)
		fmt.Printf("Server LSN:    %s\n", snap.ServerLSN)
		fmt.Printf("Lag:           %s\n", snap.LagFormatted)
		fmt.Printf("Sessions:      %d\n", snap.SessionCount)
		fmt.Printf("Throughput:    %.0f changes/s, %.0f bytes/s\n", snap.ChangesPerSec, snap.BytesPerSec)
		fmt.Printf("Total:         %d changes, %d bytes\n", snap.TotalChanges, snap.TotalBytes)

		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:        %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}

		if len(snap.Sessions) > 0 {
			fmt.Println("\nSessions:")
			for _, s := range snap.Sessions {
				fmt.Printf("  %-24s %-12s cursor=%s queue=%d connected=%s\n",
					s.ClientID, s.State, s.Cursor, s.QueueLen,
					time.Since(s.ConnectedSince).Truncate(time.Second))
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
