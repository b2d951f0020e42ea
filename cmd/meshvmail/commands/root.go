package commands

import (
	"fmt"
	"os"

	"github.com/danmuck/meshvmail/internal/config"
	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/danmuck/meshvmail/internal/transport/memlink"
	"github.com/danmuck/meshvmail/internal/transport/seriallink"
	"github.com/danmuck/meshvmail/internal/transport/udplink"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "meshvmail.toml"

var configPath string

// RootCmd is the meshvmail entry command.
var RootCmd = &cobra.Command{
	Use:           "meshvmail",
	Short:         "Reliable chunked voice and text messages over a lossy mesh radio",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		observability.InitLogger("meshvmail")
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to meshvmail.toml")
}

// Execute runs the command tree and logs a terminal error.
func Execute() error {
	if err := RootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("meshvmail failed")
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// openLink builds the transport selected by link.kind.
func openLink(cfg config.Config) (transport.Link, error) {
	local, err := cfg.LocalAddress()
	if err != nil {
		return nil, err
	}
	switch cfg.Link.Kind {
	case config.LinkUDP:
		peers, err := cfg.UDPPeers()
		if err != nil {
			return nil, err
		}
		return udplink.Listen(udplink.Config{Local: local, Listen: cfg.Link.UDP.Listen, Peers: peers})
	case config.LinkSerial:
		return seriallink.Open(cfg.Link.Serial.Port, cfg.Link.Serial.Baud, local)
	case config.LinkMem:
		log.Warn().Msg("link.kind=mem has no peers outside this process")
		return memlink.NewHub().Join(local), nil
	default:
		return nil, fmt.Errorf("unknown link kind %q", cfg.Link.Kind)
	}
}
