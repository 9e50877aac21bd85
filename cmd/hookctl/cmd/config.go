package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validConfigKeys = []string{"server", "timeout", "json", "pretty", "token", "user"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hookctl configuration",
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, map[string]any{
				"server":  serverAddr,
				"timeout": timeout.String(),
				"json":    outputJSON,
				"pretty":  prettyJSON,
				"user":    devUser,
				"token":   jwtToken != "",
			})
			return
		}
		fmt.Fprintln(w, "Current configuration:")
		fmt.Fprintf(w, "  Server: %s\n", serverAddr)
		fmt.Fprintf(w, "  Timeout: %s\n", timeout)
		fmt.Fprintf(w, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(w, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(w, "  Token set: %v\n", jwtToken != "")
		if devUser != "" {
			fmt.Fprintf(w, "  Dev user: %s\n", devUser)
		}
		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintln(w, "  ⚠️  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  hookctl config set server http://localhost:8080
  hookctl config set timeout 60s
  hookctl config set user alice`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		parsed, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		viper.Set(key, parsed)

		configPath, err := configFilePath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and server connectivity",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Configuration check:")
		fmt.Fprintf(w, "  ✅ hookctl version: %s\n", Version)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  ⚠️  Config file: not found (using defaults)")
		}
		if checkJQAvailable() {
			fmt.Fprintln(w, "  ✅ jq: available")
		} else {
			fmt.Fprintln(w, "  ❌ jq: not found in PATH")
		}
		if jwtToken == "" && devUser == "" {
			fmt.Fprintln(w, "  ⚠️  No token or dev user set; API calls will be rejected")
		}

		fmt.Fprintln(w, "\nTesting server connectivity...")
		ctx, cancel := requestContext()
		defer cancel()
		if err := callAPI(ctx, http.MethodGet, "/healthz", nil, nil, nil); err != nil {
			fmt.Fprintf(w, "  ❌ Server %s: %v\n", serverAddr, err)
		} else {
			fmt.Fprintf(w, "  ✅ Server %s: OK\n", serverAddr)
		}
	},
}

func parseConfigValue(key, value string) (any, error) {
	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for timeout: %w", err)
		}
		return d.String(), nil
	case "server", "token", "user":
		return value, nil
	}
	return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, validConfigKeys)
}

func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hookctl.yaml"), nil
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the roomhook API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy (HTTP %d)\n", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd, healthCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configCheckCmd)
}
