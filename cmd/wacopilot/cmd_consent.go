package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(consentCmd)
	consentCmd.AddCommand(consentGrantCmd, consentRevokeCmd, consentListCmd)
}

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Manage which conversations may be captured",
	Long: `Manage capture consent. Grants are glob patterns over conversation ids:
"*" matches within one ':' separated segment and "**" matches across them.`,
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant <pattern>",
	Short: "Allow capture for conversations matching pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := consentStore(loadConfig()).Grant(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Granted %s\n", args[0])
		return nil
	},
}

var consentRevokeCmd = &cobra.Command{
	Use:   "revoke <pattern>",
	Short: "Remove a capture grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := consentStore(loadConfig()).Revoke(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Revoked %s\n", args[0])
		return nil
	},
}

var consentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List capture grants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		grants, err := consentStore(loadConfig()).List()
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			fmt.Fprintln(os.Stdout, "No grants. Nothing is captured.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATTERN\tGRANTED")
		for _, g := range grants {
			fmt.Fprintf(w, "%s\t%s\n", g.Pattern, humanize.Time(g.GrantedAt))
		}
		return w.Flush()
	},
}
