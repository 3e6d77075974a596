package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"ordsync/internal/config"
	"ordsync/internal/session"
	"ordsync/internal/transport"
)

// cli holds what every command shares: loaded config and flag overrides.
type cli struct {
	cfg *config.Config

	url       string
	transport string
	verbose   bool

	logger *log.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ordctl",
		Short:         "Resolve, watch and snapshot objects of a station over ORD",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.url, "url", "", "station base URL (default from ORDSYNC_STATION_URL)")
	root.PersistentFlags().StringVar(&c.transport, "transport", "", "http, h2c, ws or connect (default from ORDSYNC_TRANSPORT)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log protocol activity to stderr")

	root.AddCommand(
		c.resolveCmd(),
		c.resolveAllCmd(),
		c.watchCmd(),
		c.snapshotCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.url != "" {
		cfg.StationURL = c.url
	}
	if c.transport != "" {
		cfg.Transport = c.transport
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	if c.verbose {
		c.logger = log.New(cmd.ErrOrStderr(), "ordctl ", log.LstdFlags)
	} else {
		c.logger = log.New(io.Discard, "", 0)
	}
	return nil
}

// connect opens the configured transport and starts a session. The
// returned function disconnects and closes the transport.
func (c *cli) connect(ctx context.Context) (*session.Session, func(), error) {
	tr, closeTransport, err := transport.Open(ctx, c.cfg.Transport, c.cfg.StationURL)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.New(tr,
		session.WithLogger(c.logger),
		session.WithClientName(c.cfg.ClientName),
		session.WithCacheSize(c.cfg.CacheSize),
		session.WithReconnectEvery(c.cfg.ReconnectEvery),
	)
	if err != nil {
		_ = closeTransport()
		return nil, nil, err
	}
	if err := s.Connect(ctx); err != nil {
		_ = closeTransport()
		return nil, nil, fmt.Errorf("connect to %s: %w", c.cfg.StationURL, err)
	}
	return s, func() {
		s.StopPolling()
		if err := s.Disconnect(context.Background()); err != nil {
			c.logger.Printf("disconnect: %v", err)
		}
		_ = closeTransport()
	}, nil
}
