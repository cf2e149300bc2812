// Command syncforge is a small operational tool for inspecting and
// maintaining an engine database: statistics, operation listings, and
// manual compaction. It never starts the background drivers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncforge/syncforge"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:           "syncforge",
		Short:         "Inspect and maintain an offline-first operation engine database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the engine database (required)")
	_ = root.MarkPersistentFlagRequired("db")

	root.AddCommand(statsCmd(), opsCmd(), compactCmd(), conflictsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openEngine(ctx context.Context) (*syncforge.Engine, error) {
	return syncforge.New(ctx, &syncforge.Config{DBPath: dbPath}, syncforge.Options{})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print operation and cache statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			stats, err := engine.Statistics(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func opsCmd() *cobra.Command {
	var opID string
	var pending bool
	var deadLetters bool
	var entityType string
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Show one operation or list pending or dead-lettered operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if opID != "" {
				op, err := engine.GetOperation(ctx, opID)
				if err != nil {
					return err
				}
				return printJSON(op)
			}
			if pending {
				ops, err := engine.ListPending(ctx, entityType, "", 100)
				if err != nil {
					return err
				}
				return printJSON(ops)
			}
			if deadLetters {
				ops, err := engine.ListDeadLetters(ctx, 100)
				if err != nil {
					return err
				}
				return printJSON(ops)
			}
			return fmt.Errorf("specify --id, --pending, or --dead-letters")
		},
	}
	cmd.Flags().StringVar(&opID, "id", "", "operation id to show")
	cmd.Flags().BoolVar(&pending, "pending", false, "list pending operations")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type filter for --pending")
	cmd.Flags().BoolVar(&deadLetters, "dead-letters", false, "list dead-lettered operations")
	return cmd
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Remove expired cache entries and retention-expired operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			entries, ops, err := engine.RunCompactionOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d cache entries, %d operations\n", entries, ops)
			return nil
		},
	}
}

func conflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts parked for manual resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			parked, err := engine.ListManualConflicts(ctx)
			if err != nil {
				return err
			}
			return printJSON(parked)
		},
	}
}
