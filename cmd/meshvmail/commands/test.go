package commands

import (
	"fmt"
	"strings"

	"github.com/danmuck/meshvmail/internal/node"
	"github.com/spf13/cobra"
)

var testDst string

func init() {
	testCmd.Flags().StringVarP(&testDst, "dst", "d", "", "destination node (!hex) or ^all")
	RootCmd.AddCommand(testCmd)
}

var testCmd = &cobra.Command{
	Use:   "test <text>",
	Short: "Broadcast an unacknowledged connectivity probe",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		nodeCfg, err := cfg.ToNode()
		if err != nil {
			return err
		}
		dst, err := parseDst(testDst)
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
		text := strings.Join(args, " ")
		if err := n.SendTest(cmd.Context(), text, dst); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "test sent: %q\n", text)
		return nil
	},
}
