package commands

import (
	"fmt"

	"github.com/danmuck/meshvmail/internal/config"
	"github.com/spf13/cobra"
)

var replaceConfig bool

func init() {
	configInitCmd.Flags().BoolVarP(&replaceConfig, "replace", "r", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	RootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check meshvmail.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.WriteTemplate(configPath, replaceConfig); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load --config and report the resolved protocol settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sess, err := cfg.ToSession()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"ok: node=%s link=%s channel=%d chunk_size=%d retry_count=%d ack_timeout=%s receive_timeout=%s\n",
			cfg.NodeID, cfg.Link.Kind, sess.Channel, sess.ChunkSize, sess.RetryCount, sess.AckTimeout, sess.ReceiveTimeout,
		)
		return nil
	},
}
