package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paneflow/paneflow/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage paneflow configuration",
		Long: `Configuration management commands for paneflow.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// configPath is --config or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for paneflow.

The configuration is saved to ~/.config/paneflow/paneflow.conf
(%APPDATA%\paneflow\paneflow.conf on Windows) unless --config is given.

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := runConfigWizard(cmd.InOrStdin(), out)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n✓ Configuration saved to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// runConfigWizard asks for each setting, keeping the default on an empty answer.
func runConfigWizard(in io.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.Default()
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "paneflow Configuration Setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Transfer Settings (press Enter for defaults)")
	fmt.Fprintln(out, "--------------------------------------------")

	cfg.Transfer.MaxRetriesPerFile = askInt(reader, out, "Retries per file", cfg.Transfer.MaxRetriesPerFile)
	cfg.Transfer.RetryBaseDelayMs = askInt(reader, out, "First retry delay (ms)", cfg.Transfer.RetryBaseDelayMs)
	cfg.Transfer.RetryMaxDelayMs = askInt(reader, out, "Longest retry delay (ms)", cfg.Transfer.RetryMaxDelayMs)
	cfg.Transfer.ConflictPolicy = askString(reader, out, "Conflict policy without a terminal (ask, overwrite, skip, newer, larger)", cfg.Transfer.ConflictPolicy)

	fmt.Fprintln(out)
	cfg.Breaker.Threshold = askInt(reader, out, "Failed files in a row before pausing", cfg.Breaker.Threshold)
	cfg.Breaker.MaxResumeAttempts = askInt(reader, out, "Resumes of one file before giving up", cfg.Breaker.MaxResumeAttempts)

	fmt.Fprintln(out)
	cfg.Notifications.Enabled = askBool(reader, out, "Desktop notifications", cfg.Notifications.Enabled)

	fmt.Fprintln(out)
	if askBool(reader, out, "Configure proxy", false) {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Proxy Configuration")
		fmt.Fprintln(out, "-------------------")
		fmt.Fprintln(out, "Proxy modes: no-proxy, system, basic, ntlm")
		cfg.Proxy.Mode = askString(reader, out, "Proxy mode", "system")
		if cfg.Proxy.Mode == "basic" || cfg.Proxy.Mode == "ntlm" {
			cfg.Proxy.Host = askString(reader, out, "Proxy host", "")
			cfg.Proxy.Port = askInt(reader, out, "Proxy port", 8080)
			cfg.Proxy.User = askString(reader, out, "Proxy user", "")
			cfg.Proxy.NoProxy = askString(reader, out, "Hosts that bypass the proxy", "")
		}
	}
	return cfg, nil
}

func askString(r *bufio.Reader, out io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	input, _ := r.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

func askInt(r *bufio.Reader, out io.Writer, label string, def int) int {
	s := askString(r, out, label, strconv.Itoa(def))
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		fmt.Fprintf(out, "  Invalid number, using %d\n", def)
		return def
	}
	return v
}

func askBool(r *bufio.Reader, out io.Writer, label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	fmt.Fprintf(out, "%s? [%s]: ", label, hint)
	input, _ := r.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	return def
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration: the config file with
PANEFLOW_* environment overrides applied. Passwords are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			path, _ := configPath()
			printConfig(cmd.OutOrStdout(), cfg, path)
			return nil
		},
	}
}

func printConfig(out io.Writer, cfg *config.Config, path string) {
	fmt.Fprintln(out, "Current Configuration")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintf(out, "File: %s\n\n", path)

	fmt.Fprintln(out, "[transfer]")
	fmt.Fprintf(out, "  max_retries_per_file = %d\n", cfg.Transfer.MaxRetriesPerFile)
	fmt.Fprintf(out, "  retry_base_delay_ms  = %d\n", cfg.Transfer.RetryBaseDelayMs)
	fmt.Fprintf(out, "  retry_max_delay_ms   = %d\n", cfg.Transfer.RetryMaxDelayMs)
	fmt.Fprintf(out, "  conflict_policy      = %s\n", cfg.Transfer.ConflictPolicy)

	fmt.Fprintln(out, "[breaker]")
	fmt.Fprintf(out, "  threshold            = %d\n", cfg.Breaker.Threshold)
	fmt.Fprintf(out, "  max_resume_attempts  = %d\n", cfg.Breaker.MaxResumeAttempts)

	fmt.Fprintln(out, "[notifications]")
	fmt.Fprintf(out, "  enabled              = %t\n", cfg.Notifications.Enabled)
	fmt.Fprintf(out, "  breaker_open         = %t\n", cfg.Notifications.BreakerOpen)
	fmt.Fprintf(out, "  batch_complete       = %t\n", cfg.Notifications.BatchComplete)

	fmt.Fprintln(out, "[proxy]")
	fmt.Fprintf(out, "  mode                 = %s\n", cfg.Proxy.Mode)
	if cfg.Proxy.Host != "" {
		fmt.Fprintf(out, "  host                 = %s:%d\n", cfg.Proxy.Host, cfg.Proxy.Port)
	}
	if cfg.Proxy.User != "" {
		fmt.Fprintf(out, "  user                 = %s\n", cfg.Proxy.User)
		fmt.Fprintf(out, "  password             = %s\n", maskSecret(cfg.Proxy.Password))
	}
	if cfg.Proxy.NoProxy != "" {
		fmt.Fprintf(out, "  no_proxy             = %s\n", cfg.Proxy.NoProxy)
	}

	fmt.Fprintln(out, "[log]")
	fmt.Fprintf(out, "  level                = %s\n", cfg.Log.Level)
}

// maskSecret keeps nothing of the secret but whether it is set.
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "********"
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "(file does not exist; run 'paneflow config init')")
			}
			return nil
		},
	}
}
