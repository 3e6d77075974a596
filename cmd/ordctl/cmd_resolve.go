package main

import (
	"github.com/spf13/cobra"

	"ordsync/internal/resolve"
)

func (c *cli) resolveCmd() *cobra.Command {
	var (
		base   string
		offset int
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "resolve <ord>",
		Short: "Resolve one descriptor and print the target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, done, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			opts := []resolve.Option{resolve.WithPage(offset, limit)}
			if base != "" {
				opts = append(opts, resolve.WithBase(base))
			}
			target, err := resolve.New(s).Resolve(ctx, args[0], opts...)
			if err != nil {
				return err
			}
			out, err := describe(ctx, args[0], target, offset, limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "slot path relative descriptors start from")
	cmd.Flags().IntVar(&offset, "offset", 0, "first table row")
	cmd.Flags().IntVar(&limit, "limit", 20, "table rows per page")
	return cmd
}

func (c *cli) resolveAllCmd() *cobra.Command {
	var failFast bool
	cmd := &cobra.Command{
		Use:   "resolve-all <ord>...",
		Short: "Resolve several descriptors with the fewest round trips",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, done, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			res := resolve.New(s).ResolveAll(ctx, args)
			outs := make([]resolved, res.Len())
			for i, text := range args {
				if err := res.Err(i); err != nil {
					outs[i] = resolved{ORD: text, Error: err.Error()}
					continue
				}
				out, err := describe(ctx, text, res.Target(i), 0, 20)
				if err != nil {
					out.Error = err.Error()
				}
				outs[i] = out
			}
			c.logger.Printf("resolve-all: %d descriptors in %d round trips", res.Len(), res.RoundTrips())
			if err := writeJSON(cmd.OutOrStdout(), outs); err != nil {
				return err
			}
			if failFast {
				return res.Error()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failFast, "strict", false, "exit non-zero when any descriptor fails")
	return cmd
}
