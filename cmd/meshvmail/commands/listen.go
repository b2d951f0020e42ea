package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/danmuck/meshvmail/internal/inbox"
	"github.com/danmuck/meshvmail/internal/node"
	"github.com/danmuck/meshvmail/internal/protocol/session"
	"github.com/danmuck/meshvmail/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var noAdmin bool

func init() {
	listenCmd.Flags().BoolVar(&noAdmin, "no-admin", false, "do not start the admin HTTP server")
	RootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run a node: receive, acknowledge and store messages, serve the admin API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		nodeCfg, err := cfg.ToNode()
		if err != nil {
			return err
		}
		box, err := inbox.Open(cfg.Inbox.Path)
		if err != nil {
			return err
		}
		defer box.Close()
		link, err := openLink(cfg)
		if err != nil {
			return err
		}
		n, err := node.New(nodeCfg, link, node.WithDeliverySink(func(d session.Delivery) {
			if err := box.Put(inbox.FromDelivery(d)); err != nil {
				log.Error().Err(err).Str("message_id", d.MessageID).Msg("listen inbox put failed")
			}
		}))
		if err != nil {
			_ = link.Close()
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return n.Run(ctx) })
		g.Go(func() error {
			logEvents(ctx, n)
			return nil
		})
		if !noAdmin {
			srv := server.New(n, box, server.Config{
				Addr:        cfg.Admin.Addr,
				CORSOrigins: cfg.Admin.CORSOrigins,
				Token:       cfg.Admin.Token,
				CertFile:    cfg.Admin.CertFile,
				KeyFile:     cfg.Admin.KeyFile,
			})
			g.Go(func() error { return srv.Serve(ctx) })
		}
		return g.Wait()
	},
}

func logEvents(ctx context.Context, n *node.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.Events():
			switch {
			case ev.Delivery != nil:
				d := ev.Delivery
				log.Info().Str("message_id", d.MessageID).Str("source", d.Source.String()).Str("kind", string(d.Kind)).Int("bytes", len(d.Payload)).Msg("received")
			case ev.Outcome != nil && ev.Outcome.State.Terminal():
				o := ev.Outcome
				log.Info().Str("message_id", o.MessageID).Str("direction", string(o.Direction)).Str("state", string(o.State)).Ints("chunks", o.Chunks).Msg("outcome")
			case ev.Progress != nil:
				p := ev.Progress
				log.Debug().Str("message_id", p.MessageID).Str("direction", string(p.Direction)).Int("done", p.Done).Int("total", p.Total).Msg("progress")
			}
		}
	}
}
