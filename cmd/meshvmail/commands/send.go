package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/meshvmail/internal/node"
	"github.com/danmuck/meshvmail/internal/protocol/session"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	sendFile    string
	sendText    string
	sendDst     string
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "payload file (compressed voice)")
	sendCmd.Flags().StringVarP(&sendText, "text", "t", "", "text payload")
	sendCmd.Flags().StringVarP(&sendDst, "dst", "d", "", "destination node (!hex) or ^all; defaults to config destination")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Minute, "give up waiting for the outcome after this long")
	RootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message and wait until every chunk is acknowledged or retries run out",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if (sendFile == "") == (sendText == "") {
			return errors.New("exactly one of --file or --text is required")
		}
		payload := []byte(sendText)
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return err
			}
			payload = data
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		nodeCfg, err := cfg.ToNode()
		if err != nil {
			return err
		}
		if sendText != "" {
			nodeCfg.Voice = false
		}
		dst, err := parseDst(sendDst)
		if err != nil {
			return err
		}
		link, err := openLink(cfg)
		if err != nil {
			return err
		}
		n, err := node.New(nodeCfg, link)
		if err != nil {
			_ = link.Close()
			return err
		}
		defer n.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		go n.Run(ctx)

		id, err := n.SendMessage(ctx, payload, dst)
		if err != nil {
			return err
		}
		if len(payload) <= nodeCfg.Session.ChunkSize {
			// complete messages are not acknowledged
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent (%d bytes, unacknowledged)\n", id, len(payload))
			return nil
		}
		outcome, err := awaitOutcome(ctx, n, id)
		if err != nil {
			n.Cancel(id)
			return err
		}
		if outcome.State != session.StateCompleted {
			return fmt.Errorf("message %s %s: unconfirmed chunks %v: %w", id, outcome.State, outcome.Chunks, outcome.Err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s delivered (%d bytes, %d chunks)\n", id, len(payload), outcome.Total)
		return nil
	},
}

func awaitOutcome(ctx context.Context, n *node.Node, id string) (session.Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return session.Outcome{}, ctx.Err()
		case ev := <-n.Events():
			if p := ev.Progress; p != nil && p.MessageID == id {
				log.Info().Str("message_id", id).Int("acked", p.Done).Int("total", p.Total).Msg("send progress")
			}
			if o := ev.Outcome; o != nil && o.MessageID == id && o.Direction == session.Outbound && o.State.Terminal() {
				return *o, nil
			}
		}
	}
}

func parseDst(raw string) (transport.Address, error) {
	if raw == "" {
		return "", nil
	}
	return transport.ParseAddress(raw)
}
