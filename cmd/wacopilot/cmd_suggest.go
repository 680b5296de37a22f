package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/wacopilot/internal/suggest"
	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/internal/window"
	"github.com/user/wacopilot/pkg/remote"
)

var suggestOpts suggest.Options

func init() {
	rootCmd.AddCommand(suggestCmd)
	suggestCmd.Flags().StringVar(&suggestOpts.Locale, "locale", "", "reply locale (default from config)")
	suggestCmd.Flags().StringVar(&suggestOpts.Tone, "tone", "", "reply tone, e.g. formal")
	suggestCmd.Flags().IntVar(&suggestOpts.ContextWindow, "window", 0, "number of recent messages sent as context")
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <conversation-id>",
	Short: "Ask the copilot API for reply suggestions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		svc := suggest.New(suggest.Config{
			TenantID:      cfg.TenantID,
			Messages:      st.messages,
			Conversations: st.conversations,
			Generator:     remoteClient(cfg),
			Window:        window.New(tokenCounter(cfg)),
			TokenBudget:   cfg.Suggest.TokenBudget,
		})
		res, err := svc.Suggest(context.Background(), types.ConversationID(args[0]), applyDefaults(cfg, suggestOpts))
		if err != nil {
			return fmt.Errorf("suggest: %s", remote.Describe(err))
		}

		fmt.Fprintf(os.Stdout, "Suggestions for %s (%d messages of context):\n\n", res.ConversationID, res.ContextLines)
		for _, s := range res.Suggestions {
			fmt.Fprintf(os.Stdout, "%d. %s\n", s.Rank, s.Content)
			if s.Rationale != "" {
				fmt.Fprintf(os.Stdout, "   (%s)\n", s.Rationale)
			}
		}
		if res.QualityScore != nil {
			fmt.Fprintf(os.Stdout, "\nQuality score: %.2f\n", *res.QualityScore)
		}
		fmt.Fprintln(os.Stdout, "\nReview before sending. Nothing is sent automatically.")
		return nil
	},
}
