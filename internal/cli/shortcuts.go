package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/paneflow/paneflow/internal/batch"
	"github.com/paneflow/paneflow/internal/negotiate"
	"github.com/paneflow/paneflow/internal/pathutil"
	"github.com/paneflow/paneflow/internal/session"
	"github.com/paneflow/paneflow/internal/state"
	"github.com/paneflow/paneflow/internal/transfer"
	"github.com/paneflow/paneflow/internal/transport"
	ustrings "github.com/paneflow/paneflow/internal/util/strings"
)

// AddShortcuts adds the transfer and listing commands to the root command.
func AddShortcuts(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newLsCmd())
}

// transferFlags are shared by upload and download.
type transferFlags struct {
	policy   string
	identity string
	noPrompt bool
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.policy, "policy", "", "Conflict policy: ask, overwrite, skip, newer, larger (default from config)")
	cmd.Flags().StringVarP(&f.identity, "identity", "i", "", "SSH private key for sftp:// targets")
	cmd.Flags().BoolVar(&f.noPrompt, "no-prompt", false, "Never ask questions; conflicts follow --policy and pauses cancel")
}

func newUploadCmd() *cobra.Command {
	var flags transferFlags

	cmd := &cobra.Command{
		Use:   "upload <local-path>... <remote-url>",
		Short: "Upload files and folders into a remote directory",
		Long: `Upload local files and folders into the remote directory named by the last argument.

Examples:
  paneflow upload report.pdf sftp://alice@files.example.com/home/alice/inbox
  paneflow upload ./dataset s3://my-bucket/backups?region=eu-west-1
  paneflow upload *.csv ftp://bob@ftp.example.com/upload --policy newer`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, raw := args[:len(args)-1], args[len(args)-1]
			t, err := parseTarget(raw)
			if err != nil {
				return err
			}
			t.params = withIdentity(t.params, flags.identity)

			reqs, err := uploadRequests(sources, t)
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), flags, t, cwd(), func(ctx context.Context, a *app) ([]batch.Request, error) {
				remote, err := a.sessions.Adapter()
				if err != nil {
					return nil, err
				}
				return reqs, remote.MakeDirectory(ctx, t.path)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var flags transferFlags

	cmd := &cobra.Command{
		Use:   "download <remote-url>... <local-dir>",
		Short: "Download remote files and folders into a local directory",
		Long: `Download remote files and folders into the local directory named by the last argument.
All remote URLs must point at the same server.

Examples:
  paneflow download sftp://alice@files.example.com/home/alice/report.pdf .
  paneflow download s3://my-bucket/results ./results --policy skip`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raws, dir := args[:len(args)-1], args[len(args)-1]
			targets := make([]target, 0, len(raws))
			for _, raw := range raws {
				t, err := parseTarget(raw)
				if err != nil {
					return err
				}
				t.params = withIdentity(t.params, flags.identity)
				if len(targets) > 0 && !t.same(targets[0]) {
					return fmt.Errorf("%w: all sources must be on %s", ErrBadTarget, targets[0].params.DisplayName())
				}
				targets = append(targets, t)
			}

			localDir, err := pathutil.ResolveAbsolutePath(dir)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(localDir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", localDir, err)
			}

			return runBatch(cmd.Context(), flags, targets[0], localDir, func(ctx context.Context, a *app) ([]batch.Request, error) {
				remote, err := a.sessions.Adapter()
				if err != nil {
					return nil, err
				}
				return downloadRequests(ctx, remote, targets, localDir)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newLsCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "ls <remote-url>",
		Short: "List a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			t.params = withIdentity(t.params, identity)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, GetLogger(), appOptions{
				policy:      negotiate.PolicySkip,
				interactive: term.IsTerminal(int(os.Stdin.Fd())),
			})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.connect(ctx, t, cwd()); err != nil {
				return err
			}
			listing, err := a.sessions.Navigate(ctx, state.Remote, t.path)
			if err != nil {
				return err
			}
			printListing(cmd.OutOrStdout(), listing)
			return nil
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "SSH private key for sftp:// targets")
	return cmd
}

// runBatch connects to t, asks plan for the requests, then executes them.
func runBatch(ctx context.Context, flags transferFlags, t target, localDir string,
	plan func(context.Context, *app) ([]batch.Request, error)) error {
	if ctx == nil {
		ctx = GetContext()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policyName := flags.policy
	if policyName == "" {
		policyName = cfg.Transfer.ConflictPolicy
	}
	policy, err := negotiate.ParsePolicy(policyName)
	if err != nil {
		return err
	}

	logger := GetLogger()
	a, err := newApp(cfg, logger, appOptions{
		policy:      policy,
		interactive: !flags.noPrompt && term.IsTerminal(int(os.Stdin.Fd())),
	})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.connect(ctx, t, localDir); err != nil {
		return err
	}
	reqs, err := plan(ctx, a)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return errors.New("nothing to transfer")
	}

	report, err := a.run(ctx, reqs)
	if err != nil {
		return err
	}
	fmt.Println(report.Summary())
	logger.Info().
		Str("batch", report.BatchID).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("stopped", report.Stopped).
		Dur("duration", report.Duration).
		Msg("batch finished")

	switch {
	case report.Aborted:
		return fmt.Errorf("batch aborted: %s", report.Reason)
	case report.Failed > 0 || report.Stopped > 0:
		return fmt.Errorf("%d of %d %s did not complete", report.Failed+report.Stopped, report.Total,
			ustrings.Pluralize("transfer", int64(report.Total)))
	}
	return nil
}

// uploadRequests builds one request per local source, in argument order.
func uploadRequests(sources []string, t target) ([]batch.Request, error) {
	reqs := make([]batch.Request, 0, len(sources))
	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", src, err)
		}
		name := filepath.Base(abs)
		req := batch.Request{
			Name:       name,
			SourcePath: abs,
			DestPath:   t.join(name),
			Direction:  transfer.Upload,
			IsFolder:   info.IsDir(),
		}
		if !info.IsDir() {
			req.Size = info.Size()
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// downloadRequests stats every remote source so folders and sizes are known up front.
func downloadRequests(ctx context.Context, remote transport.Adapter, targets []target, localDir string) ([]batch.Request, error) {
	reqs := make([]batch.Request, 0, len(targets))
	for _, t := range targets {
		e, err := remote.Stat(ctx, t.path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", t.path, err)
		}
		name := e.Name
		if name == "" {
			name = path.Base(t.path)
		}
		req := batch.Request{
			Name:       name,
			SourcePath: t.path,
			DestPath:   filepath.Join(localDir, name),
			Direction:  transfer.Download,
			IsFolder:   e.IsDir,
		}
		if !e.IsDir {
			req.Size = e.Size
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func printListing(w io.Writer, l transport.Listing) {
	fmt.Fprintf(w, "%s\n", l.Path)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range l.Entries {
		size := humanSize(e.Size)
		name := e.Name
		if e.IsDir {
			size, name = "-", name+"/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", stamp(e.ModTime), size, name)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d %s\n", len(l.Entries), ustrings.Pluralize("item", int64(len(l.Entries))))
}

// withIdentity sets the SSH key of sftp params.
func withIdentity(p session.ConnectionParams, identity string) session.ConnectionParams {
	if identity == "" {
		return p
	}
	if v, ok := p.(session.SFTPParams); ok {
		v.PrivateKeyPath = pathutil.ExpandHome(identity)
		return v
	}
	return p
}

func cwd() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
