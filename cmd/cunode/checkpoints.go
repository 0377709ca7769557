package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/store"
)

var checkpointsKeep int

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and manage memory checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list [process-id]",
	Short: "List checkpoints for a process",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsList,
}

var checkpointsCleanupCmd = &cobra.Command{
	Use:   "cleanup [process-id]",
	Short: "Delete old checkpoints, keeping the most recent ones",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsCleanup,
}

func init() {
	checkpointsCleanupCmd.Flags().IntVar(&checkpointsKeep, "keep", 3, "Number of most recent checkpoints to keep")
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsCleanupCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func openCheckpointStore(ctx context.Context) (store.CheckpointStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.NewCheckpointStore(ctx, cfg.Checkpoint)
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cps, err := openCheckpointStore(ctx)
	if err != nil {
		return err
	}
	defer cps.Close()

	list, err := cps.ListCheckpoints(ctx, args[0])
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tORDINATE\tTIMESTAMP\tSIZE\tCREATED")
	for _, cp := range list {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n",
			cp.ID, cp.Ordinate, cp.Timestamp, len(cp.Memory),
			cp.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runCheckpointsCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cps, err := openCheckpointStore(ctx)
	if err != nil {
		return err
	}
	defer cps.Close()

	list, err := cps.ListCheckpoints(ctx, args[0])
	if err != nil {
		return err
	}
	if len(list) <= checkpointsKeep {
		fmt.Printf("nothing to delete (%d checkpoints, keeping %d)\n", len(list), checkpointsKeep)
		return nil
	}

	// List returns newest first; everything past the keep count goes.
	deleted := 0
	for _, cp := range list[checkpointsKeep:] {
		if err := cps.DeleteCheckpoint(ctx, args[0], cp.ID); err != nil {
			fmt.Printf("failed to delete %s: %v\n", cp.ID, err)
			continue
		}
		deleted++
	}
	fmt.Printf("deleted %d of %d checkpoints\n", deleted, len(list))
	return nil
}
