package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openWB/PiShrink/internal/compress"
	"github.com/openWB/PiShrink/internal/config"
	"github.com/openWB/PiShrink/internal/utils"
)

var showPath bool

// configKeysCompletion returns config keys for shell completion
func configKeysCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.Keys, cobra.ShellCompDirectiveNoFileComp
	}
	if len(args) == 1 {
		return configValueCompletion(args[0]), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

// configValueCompletion returns suggested values for a config key
func configValueCompletion(key string) []string {
	switch key {
	case "update_check":
		return []string{"true", "false"}
	case "compress.gzip":
		return []string{"-6", "-9", "-9 -T0"}
	case "compress.xz":
		return []string{"-6", "-9", "-T0", "-9 -T0"}
	case "compress.zstd":
		return []string{"-3", "-19", "-T0", "-19 -T0"}
	case "debug_log":
		return []string{"pishrink.log"}
	default:
		return nil
	}
}

// getConfigEnvVars returns the PISHRINK_* variables for every key, sorted.
func getConfigEnvVars() []string {
	vars := make([]string, 0, len(config.Keys))
	for _, key := range config.Keys {
		vars = append(vars, config.EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	sort.Strings(vars)
	return vars
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pishrink configuration",
	Long: `Manage pishrink configuration settings.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (PISHRINK_*, and GZIP / XZ / ZSTD for compressor options)
  3. User config file (~/.config/pishrink/config.yaml)
  4. System config file (/etc/pishrink/config.yaml)
  5. Defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if showPath {
			configPath, err := config.GetUserConfigPath()
			if err != nil {
				ExitWithError(fmt.Errorf("failed to get config path: %w", err))
			}
			fmt.Println(configPath)
			return
		}

		fmt.Println(utils.StyleTitle("Config File Search Paths:"))
		foundActive := false
		for i, sp := range config.ConfigSearchPaths() {
			status := ""
			if sp.InUse {
				status = " " + utils.StyleSuccess("← in use")
				foundActive = true
			} else if sp.Exists {
				status = " " + utils.StyleInfo("(exists)")
			}
			fmt.Printf("  %d. [%s] %s%s\n", i+1, sp.Type, sp.Path, status)
		}
		if !foundActive {
			fmt.Printf("  %s (use 'pishrink config init' to create)\n", utils.StyleWarning("No config file found"))
		}
		fmt.Println()

		fmt.Println(utils.StyleTitle("Compression Options:"))
		for _, tool := range compress.Tools {
			opts := viper.GetString("compress." + string(tool))
			if opts == "" {
				opts = utils.StyleInfo("(tool defaults)")
			}
			fmt.Printf("  %-5s %s\n", tool+":", opts)
		}
		fmt.Println()

		fmt.Println(utils.StyleTitle("Other Settings:"))
		fmt.Printf("  debug_log:    %s\n", viper.GetString("debug_log"))
		fmt.Printf("  update_check: %v\n", viper.GetBool("update_check"))
		fmt.Printf("  update_url:   %s\n", viper.GetString("update_url"))
		fmt.Println()

		fmt.Println(utils.StyleTitle("Environment Variable Overrides:"))
		envVars := getConfigEnvVars()
		for _, tool := range compress.Tools {
			envVars = append(envVars, strings.ToUpper(string(tool)))
		}
		hasEnvOverrides := false
		for _, envVar := range envVars {
			if val := os.Getenv(envVar); val != "" {
				fmt.Printf("  %s=%s\n", envVar, val)
				hasEnvOverrides = true
			}
		}
		if !hasEnvOverrides {
			fmt.Printf("  %s\n", utils.StyleInfo("none"))
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a specific configuration value.

Examples:
  pishrink config get compress.xz
  pishrink config get update_check`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: configKeysCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !config.IsKnownKey(key) {
			return usageError{fmt.Errorf("unknown config key: %s", key)}
		}
		fmt.Println(viper.Get(key))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the user config file.

Examples:
  pishrink config set compress.xz "-9 -T0"
  pishrink config set update_check false`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: configKeysCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !config.IsKnownKey(key) {
			return usageError{fmt.Errorf("unknown config key: %s", key)}
		}
		if err := config.ValidateValue(key, value); err != nil {
			return usageError{fmt.Errorf("invalid value for %s: %w", key, err)}
		}

		if key == "update_check" {
			viper.Set(key, value == "true")
		} else {
			viper.Set(key, value)
		}
		if err := config.SaveConfig(); err != nil {
			return err
		}

		configPath, _ := config.GetUserConfigPath()
		utils.PrintSuccess("Set %s = %s", utils.StyleInfo(key), utils.StyleInfo(value))
		utils.PrintNote("Config saved to: %s", configPath)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a user config file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := config.GetUserConfigPath()
		if err != nil {
			return err
		}
		if utils.FileExists(configPath) {
			utils.PrintWarning("Config file already exists: %s", configPath)
			fmt.Print("Overwrite? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				utils.PrintNote("Cancelled")
				return nil
			}
		}
		if err := config.SaveConfigAs(configPath); err != nil {
			return err
		}
		utils.PrintSuccess("Config file created")
		fmt.Printf("  Location: %s\n", utils.StylePath(configPath))
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&showPath, "path", false, "Show only the config file path")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(configCmd)
}
