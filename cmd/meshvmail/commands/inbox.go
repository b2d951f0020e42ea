package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/danmuck/meshvmail/internal/inbox"
	"github.com/spf13/cobra"
)

var (
	inboxLimit int
	inboxOut   string
)

func init() {
	inboxCmd.Flags().IntVarP(&inboxLimit, "limit", "n", 20, "number of messages to list, 0 for all")
	inboxGetCmd.Flags().StringVarP(&inboxOut, "output", "o", "", "write the payload to this file instead of stdout")
	inboxCmd.AddCommand(inboxGetCmd)
	RootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List delivered messages (the inbox file is locked while listen runs)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		box, err := openInbox()
		if err != nil {
			return err
		}
		defer box.Close()
		records, err := box.List(inboxLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tKIND\tBYTES\tRECEIVED")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Source, r.Kind, r.Size, r.ReceivedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var inboxGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print or save one delivered payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := openInbox()
		if err != nil {
			return err
		}
		defer box.Close()
		rec, err := box.Get(args[0])
		if err != nil {
			return err
		}
		if inboxOut != "" {
			return os.WriteFile(inboxOut, rec.Payload, 0o600)
		}
		_, err = cmd.OutOrStdout().Write(rec.Payload)
		return err
	},
}

func openInbox() (*inbox.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return inbox.Open(cfg.Inbox.Path)
}
