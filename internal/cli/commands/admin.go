package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	onlineOnly bool
	replyTo    string
)

// adminCmd groups operator commands
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "triage and answer sessions as an operator",
	Long: `Operator commands. Every call sends the shared admin code, taken from
--code or the ADMIN_CODE environment variable.`,
}

var adminSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "list sessions with unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		sessions, err := c.Sessions(cmd.Context(), onlineOnly)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tNAME\tONLINE\tUNREAD\tMOOD\tLAST SEEN")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%s\n", s.ID, s.Name, s.IsOnline, s.UnreadCount, s.Mood.Mood, s.LastSeen.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var adminMessagesCmd = &cobra.Command{
	Use:   "messages <session-id>",
	Short: "show one session's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		h, err := c.SessionMessages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printMessages(cmd.OutOrStdout(), h.Messages)
		fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", h.UnreadCount)
		return nil
	},
}

var adminReplyCmd = &cobra.Command{
	Use:   "reply <session-id> <text>",
	Short: "reply to a visitor",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.Reply(cmd.Context(), args[0], strings.Join(args[1:], " "), replyTo); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "reply sent")
		return nil
	},
}

var adminReadCmd = &cobra.Command{
	Use:   "read <session-id> <message-id>",
	Short: "mark a visitor message as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.MarkRead(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "marked read")
		return nil
	},
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminCode, "code", envOr("ADMIN_CODE", ""), "shared admin code")
	adminSessionsCmd.Flags().BoolVar(&onlineOnly, "online", false, "only sessions currently online")
	adminReplyCmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")

	adminCmd.AddCommand(adminSessionsCmd)
	adminCmd.AddCommand(adminMessagesCmd)
	adminCmd.AddCommand(adminReplyCmd)
	adminCmd.AddCommand(adminReadCmd)
}
