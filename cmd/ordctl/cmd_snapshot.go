package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ordsync/internal/resolve"
	"ordsync/internal/snapshot"
)

func (c *cli) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and inspect mirrored trees",
	}
	cmd.AddCommand(c.snapshotSaveCmd(), c.snapshotShowCmd(), c.snapshotListCmd(), c.snapshotDeleteCmd())
	return cmd
}

func (c *cli) store() (snapshot.Store, func() error, error) {
	return snapshot.Open(c.cfg.Snapshot, c.logger)
}

func (c *cli) snapshotSaveCmd() *cobra.Command {
	var loads []string
	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Mirror the station and store the tree under a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := c.store()
			if err != nil {
				return err
			}
			defer closeStore()

			s, done, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			if len(loads) > 0 {
				if err := resolve.New(s).ResolveAll(ctx, loads).Error(); err != nil {
					return err
				}
			}
			snap, err := snapshot.Take(s.Mirror(), args[0], c.cfg.StationURL)
			if err != nil {
				return err
			}
			if err := store.Put(ctx, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d components)\n", snap.Name, s.Mirror().Len())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&loads, "load", nil, "descriptors to load before saving")
	return cmd
}

func (c *cli) snapshotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.store()
			if err != nil {
				return err
			}
			defer closeStore()
			snap, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func (c *cli) snapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := c.store()
			if err != nil {
				return err
			}
			defer closeStore()
			names, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func (c *cli) snapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.store()
			if err != nil {
				return err
			}
			defer closeStore()
			return store.Delete(cmd.Context(), args[0])
		},
	}
}
