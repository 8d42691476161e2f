package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/live-support/backend/internal/cli/client"
	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

var (
	visitorName  string
	visitorEmail string
)

// chatCmd groups visitor commands
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "chat with support as a visitor",
}

var chatStartCmd = &cobra.Command{
	Use:   "start",
	Short: "create or resume your support session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		view, err := c.StartSession(cmd.Context(), visitorName, visitorEmail)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "session %s (%s)\n", view.Session.ID, view.Session.Name)
		printMessages(out, view.Messages)
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:     "send <text>",
	Short:   "send a message",
	Args:    cobra.MinimumNArgs(1),
	Example: `  $ supportctl chat send "Where is my deposit?" --name Ann`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		text := strings.Join(args, " ")
		if err := c.Send(cmd.Context(), text, visitorName); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent")
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "show your conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		h, err := c.History(cmd.Context())
		if err != nil {
			return err
		}
		printMessages(cmd.OutOrStdout(), h.Messages)
		fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", h.UnreadCount)
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "follow the conversation live until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		return c.Watch(cmd.Context(), func(f client.Frame) { printFrame(out, f) })
	},
}

func init() {
	chatCmd.PersistentFlags().StringVar(&visitorName, "name", "", "your display name")
	chatStartCmd.Flags().StringVar(&visitorEmail, "email", "", "your email")

	chatCmd.AddCommand(chatStartCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatWatchCmd)
}

func printMessages(out io.Writer, messages []chat.Message) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, m := range messages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.CreatedAt.Local().Format(time.Kitchen), m.Sender, m.Status, m.ID, m.Text)
	}
	tw.Flush()
}

func printFrame(out io.Writer, f client.Frame) {
	switch f.Type {
	case "snapshot":
		var view client.SessionView
		if json.Unmarshal(f.Data, &view) == nil {
			fmt.Fprintf(out, "connected to %s\n", view.Session.ID)
			printMessages(out, view.Messages)
		}
	case "event":
		var ev chat.Event
		if json.Unmarshal(f.Data, &ev) != nil {
			return
		}
		switch {
		case ev.Typing != nil && ev.Typing.Active:
			fmt.Fprintln(out, "agent is typing...")
		case ev.Message != nil && ev.Kind == chat.EventInsert:
			printMessages(out, []chat.Message{*ev.Message})
		case ev.Message != nil && ev.Kind == chat.EventUpdate:
			fmt.Fprintf(out, "message %s is now %s\n", ev.Message.ID, ev.Message.Status)
		}
	case "error":
		fmt.Fprintf(out, "server error: %s\n", f.Data)
	}
}
