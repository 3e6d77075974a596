package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ordsync/internal/mirror"
	"ordsync/internal/resolve"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		interval time.Duration
		count    int
	)
	cmd := &cobra.Command{
		Use:   "watch <ord>...",
		Short: "Load components and print changes as the station reports them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, done, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			res := resolve.New(s).ResolveAll(ctx, args)
			if err := res.Error(); err != nil {
				return err
			}
			watched := map[mirror.Handle]bool{}
			for i := 0; i < res.Len(); i++ {
				if n := res.Target(i).Component(); n != nil {
					watched[n.Handle()] = true
				}
			}

			if interval <= 0 {
				interval = c.cfg.PollInterval
			}
			events := make(chan mirror.Event, 64)
			unsubscribe := s.Mirror().Subscribe(func(ev mirror.Event) {
				if !within(ev.Node, watched) {
					return
				}
				select {
				case events <- ev:
				default:
					c.logger.Printf("watch: dropped %s event", ev.Kind)
				}
			})
			defer unsubscribe()
			s.StartPolling(interval)

			return printEvents(ctx, cmd, events, count)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from ORDSYNC_POLL_INTERVAL)")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many events (0 runs until interrupted)")
	return cmd
}

func printEvents(ctx context.Context, cmd *cobra.Command, events <-chan mirror.Event, count int) error {
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}

// within reports whether n is one of the watched components or lies
// below one.
func within(n *mirror.Node, watched map[mirror.Handle]bool) bool {
	for cur := n; cur != nil; cur = cur.Parent() {
		if watched[cur.Handle()] {
			return true
		}
	}
	return false
}

func formatEvent(ev mirror.Event) string {
	where := ""
	if ev.Node != nil {
		where = ev.Node.SlotPath()
	}
	parts := []string{ev.Kind.String(), where}
	switch {
	case len(ev.Path) > 0:
		// Set paths are relative to the component, not the struct owning
		// the leaf.
		parts[1] = componentOf(ev.Node).SlotPath()
		parts = append(parts, strings.Join(ev.Path, "."))
	case ev.Slot != "":
		parts = append(parts, ev.Slot)
	}
	if ev.OldName != "" {
		parts = append(parts, "from="+ev.OldName)
	}
	if ev.Value != nil {
		if n, ok := ev.Value.(*mirror.Node); ok {
			parts = append(parts, n.Type())
		} else {
			parts = append(parts, fmt.Sprintf("%v", ev.Value))
		}
	}
	return strings.Join(parts, " ")
}

func componentOf(n *mirror.Node) *mirror.Node {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.IsComponent() {
			return cur
		}
	}
	return n
}
