package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/wacopilot/internal/config"
)

var revealSecrets bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
	configListCmd.Flags().BoolVar(&revealSecrets, "reveal", false, "print tokens and URL passwords unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Read and change the configuration file. Keys are dotted paths such as
queue.max_attempts or remote.base_url. WACOPILOT_API_URL, WACOPILOT_API_TOKEN,
TELEGRAM_BOT_TOKEN and NATS_URL (from the environment or a .env file next to
the config) override the file at load time.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !revealSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		keys := slices.Sorted(maps.Keys(values))
		width := 0
		for _, k := range keys {
			width = max(width, len(k))
		}
		for _, k := range keys {
			fmt.Fprintf(os.Stdout, "%-*s  %v\n", width, k, values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one value to the config file",
	Long: `Write one value to the config file. Values that parse as JSON (numbers,
booleans) are stored typed; anything else is stored as a string. The daemon
reads the file at start, so run "wacopilot restart" afterwards.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := strings.TrimSpace(args[0]), args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		shown := config.MaskSecrets(map[string]any{key: value})[key]
		fmt.Fprintf(os.Stdout, "%s = %v\n", key, shown)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}
