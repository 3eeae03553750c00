// Package cli provides the command-line interface for paneflow.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/paneflow/paneflow/internal/batch"
	"github.com/paneflow/paneflow/internal/config"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/version"
)

var (
	// Global flags
	cfgFile string
	envFile string
	logFile bool
	verbose bool
	debug   bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc

	// runner of the batch in flight, for Ctrl+C
	activeMu     sync.Mutex
	activeRunner *batch.Runner
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "paneflow",
		Short: "paneflow - resilient file transfers between local disk and remote servers",
		Long: `paneflow ` + version.Version + ` - Built: ` + version.BuildTime + `
Moves files and folders between this machine and FTP, FTPS, SFTP, S3,
Azure Blob and WebDAV servers.

Transfers run one at a time in queue order. Each file is retried a few
times with backoff; repeated failures pause the batch until the
connection comes back or you choose to resume.

Press Ctrl+C once to stop after the current file, twice to abort it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
			if logFile {
				w, err := openLogFile()
				if err != nil {
					return err
				}
				logger.SetOutput(io.MultiWriter(os.Stdout, w))
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default .env)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Also write log lines to a file in the log directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.String()

	completionCmd := &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate a shell completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(out)
			case "zsh":
				return rootCmd.GenZshCompletion(out)
			case "fish":
				return rootCmd.GenFishCompletion(out, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletion(out)
			}
			return fmt.Errorf("unsupported shell: %s", args[0])
		},
	}
	rootCmd.AddCommand(completionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// First signal stops after the current item, the second aborts it,
	// any further one cancels everything.
	go func() {
		presses := 0
		for sig := range sigChan {
			if sig == nil {
				continue
			}
			presses++
			r := currentRunner()
			switch {
			case presses == 1 && r != nil:
				fmt.Fprintf(os.Stderr, "\n\n🛑 Received %v, stopping after the current transfer (press Ctrl+C again to abort it)...\n\n", sig)
				r.Cancel(batch.CancelSoft)
			case presses == 2 && r != nil:
				fmt.Fprintf(os.Stderr, "\n\n🛑 Aborting the current transfer...\n\n")
				r.Cancel(batch.CancelHard)
			default:
				fmt.Fprintf(os.Stderr, "\n\n🛑 Received %v, cancelling operations...\n\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.ExecuteContext(rootContext)

	signal.Stop(sigChan)
	close(sigChan)
	cancelFunc()

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newConfigCmd())
	AddShortcuts(rootCmd)
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context. It is cancelled by the third Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

func setActiveRunner(r *batch.Runner) {
	activeMu.Lock()
	activeRunner = r
	activeMu.Unlock()
}

func currentRunner() *batch.Runner {
	activeMu.Lock()
	defer activeMu.Unlock()
	return activeRunner
}

// loadConfig reads the env file, the config file and PANEFLOW_* overrides,
// then validates the result.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if !verbose && !debug && cfg.Log.Level != "" {
		logging.SetGlobalLevel(logging.ParseLevel(cfg.Log.Level))
	}
	if cfg.NeedsProxyPassword() && term.IsTerminal(int(os.Stdin.Fd())) {
		pw, err := NewPrompter(os.Stdin, os.Stderr).ReadPassword("Proxy password for " + cfg.Proxy.User)
		if err != nil {
			return nil, err
		}
		cfg.Proxy.Password = pw
	}
	return cfg, nil
}

func openLogFile() (io.Writer, error) {
	if err := config.EnsureLogDirectory(); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("paneflow-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(config.LogDirectory(), name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
