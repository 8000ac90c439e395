package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect vault configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the effective configuration",
	Long:  `Display the merged configuration from defaults, config file, environment variables and flags.`,
	RunE:  runConfigView,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show a single configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	redactSensitive(settings)

	switch configFormat {
	case "yaml":
		out, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to render configuration: %w", err)
		}
		cmd.Print(string(out))
	case "json":
		out, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to render configuration: %w", err)
		}
		cmd.Println(string(out))
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		cmd.Printf("\n# config file: %s\n", configFile)
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	if isSensitiveFlag(key) {
		return fmt.Errorf("refusing to print sensitive key: %s", key)
	}
	cmd.Printf("%s = %v\n", key, viper.Get(key))
	return nil
}

// redactSensitive masks secret-bearing values in a nested settings map.
func redactSensitive(settings map[string]interface{}) {
	for key, value := range settings {
		if nested, ok := value.(map[string]interface{}); ok {
			redactSensitive(nested)
			continue
		}
		if isSensitiveFlag(key) {
			if s, ok := value.(string); ok && s != "" {
				settings[key] = "[REDACTED]"
			}
		}
	}
}
