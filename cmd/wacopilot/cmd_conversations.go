package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/internal/window"
)

var messagesLimit int

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd, conversationsMessagesCmd)
	conversationsMessagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "show at most the newest n messages (0 for all)")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect captured conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		recs, err := st.conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stdout, "No conversations captured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED\tSYNCED")
		for _, rec := range recs {
			count, err := st.messages.Count(ctx, rec.ID)
			if err != nil {
				return fmt.Errorf("count messages for %s: %w", rec.ID, err)
			}
			synced := "never"
			if rec.LastSyncedAt != nil {
				synced = humanize.Time(*rec.LastSyncedAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Title, humanize.Comma(count), humanize.Time(rec.UpdatedAt), synced)
		}
		return w.Flush()
	},
}

var conversationsMessagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the captured messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.messages.ListByConversation(context.Background(), types.ConversationID(args[0]), messagesLimit)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		for _, ev := range events {
			line := window.FormatLine(ev)
			if line == "" {
				continue
			}
			fmt.Fprintf(os.Stdout, "[%s] %s\n", ev.TimestampSource.Format("2006-01-02 15:04"), line)
		}
		return nil
	},
}
