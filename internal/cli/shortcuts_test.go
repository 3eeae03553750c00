package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/paneflow/paneflow/internal/batch"
	"github.com/paneflow/paneflow/internal/session"
	"github.com/paneflow/paneflow/internal/transfer"
	"github.com/paneflow/paneflow/internal/transport"
)

// TestShortcutCommands tests that all transfer commands are complete
func TestShortcutCommands(t *testing.T) {
	shortcuts := []struct {
		name     string
		createFn func() *cobra.Command
		flags    []string
	}{
		{"upload", newUploadCmd, []string{"policy", "identity", "no-prompt"}},
		{"download", newDownloadCmd, []string{"policy", "identity", "no-prompt"}},
		{"ls", newLsCmd, []string{"identity"}},
	}

	for _, sc := range shortcuts {
		t.Run(sc.name, func(t *testing.T) {
			cmd := sc.createFn()
			if cmd == nil {
				t.Fatalf("command '%s' creation returned nil", sc.name)
			}
			if cmd.RunE == nil {
				t.Errorf("command '%s' has no RunE function", sc.name)
			}
			if cmd.Short == "" {
				t.Errorf("command '%s' has empty Short description", sc.name)
			}
			for _, f := range sc.flags {
				if cmd.Flags().Lookup(f) == nil {
					t.Errorf("--%s flag not found on '%s'", f, sc.name)
				}
			}
		})
	}
}

// TestAddShortcuts tests that AddShortcuts adds commands to root
func TestAddShortcuts(t *testing.T) {
	rootCmd := NewRootCmd()
	AddShortcuts(rootCmd)

	found := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		found[cmd.Name()] = true
	}
	for _, expected := range []string{"upload", "download", "ls"} {
		if !found[expected] {
			t.Errorf("command '%s' not found in root command", expected)
		}
	}
}

func TestUploadArgsValidation(t *testing.T) {
	cmd := newUploadCmd()
	if err := cmd.Args(cmd, []string{"only-one"}); err == nil {
		t.Error("expected an error for a single argument")
	}
	if err := cmd.Args(cmd, []string{"a.txt", "sftp://host/dir"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUploadRequests(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	folder := filepath.Join(dir, "tree")
	if err := os.MkdirAll(folder, 0755); err != nil {
		t.Fatal(err)
	}

	tgt, err := parseTarget("sftp://alice@example.com/home/alice/in")
	if err != nil {
		t.Fatal(err)
	}
	reqs, err := uploadRequests([]string{file, folder}, tgt)
	if err != nil {
		t.Fatalf("uploadRequests failed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}

	if reqs[0].DestPath != "/home/alice/in/a.txt" {
		t.Errorf("DestPath = %q", reqs[0].DestPath)
	}
	if reqs[0].Size != 5 || reqs[0].IsFolder {
		t.Errorf("file request = %+v", reqs[0])
	}
	if reqs[0].Direction != transfer.Upload {
		t.Errorf("Direction = %q", reqs[0].Direction)
	}
	if !reqs[1].IsFolder || reqs[1].Name != "tree" {
		t.Errorf("folder request = %+v", reqs[1])
	}

	if _, err := uploadRequests([]string{filepath.Join(dir, "missing")}, tgt); err == nil {
		t.Error("expected an error for a missing source")
	}
}

func TestWithIdentity(t *testing.T) {
	p := withIdentity(session.SFTPParams{Host: "h"}, "/keys/id")
	if got := p.(session.SFTPParams).PrivateKeyPath; got != "/keys/id" {
		t.Errorf("PrivateKeyPath = %q", got)
	}

	ftp := session.FTPParams{Host: "h"}
	if withIdentity(ftp, "/keys/id") != session.ConnectionParams(ftp) {
		t.Error("identity must only apply to sftp")
	}
}

func TestPrintListing(t *testing.T) {
	var buf bytes.Buffer
	printListing(&buf, transport.Listing{
		Path: "/data",
		Entries: []transport.Entry{
			{Name: "sub", IsDir: true},
			{Name: "a.bin", Size: 2048, ModTime: time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)},
		},
	})
	out := buf.String()
	for _, want := range []string{"/data", "sub/", "a.bin", "2.0 KiB", "2 items"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing output missing %q:\n%s", want, out)
		}
	}
}

// isolate points config loading at empty temporary files.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	oldCfg, oldEnv := cfgFile, envFile
	cfgFile = filepath.Join(dir, "paneflow.conf")
	envFile = filepath.Join(dir, ".env")
	t.Cleanup(func() { cfgFile, envFile = oldCfg, oldEnv })
	t.Setenv("PANEFLOW_NOTIFICATIONS", "false")
	t.Setenv("PANEFLOW_CONFLICT_POLICY", "ask")
}

func TestRunBatchUploadToLocalTarget(t *testing.T) {
	isolate(t)
	src, dst := t.TempDir(), t.TempDir()
	file := filepath.Join(src, "a.txt")
	if err := os.WriteFile(file, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dst, "out")
	tgt := target{params: session.LocalParams{Root: dst, ShowHidden: true}, path: dest}

	reqs, err := uploadRequests([]string{file}, tgt)
	if err != nil {
		t.Fatal(err)
	}
	flags := transferFlags{policy: "overwrite", noPrompt: true}
	err = runBatch(context.Background(), flags, tgt, src, func(ctx context.Context, a *app) ([]batch.Request, error) {
		remote, err := a.sessions.Adapter()
		if err != nil {
			return nil, err
		}
		return reqs, remote.MakeDirectory(ctx, tgt.path)
	})
	if err != nil {
		t.Fatalf("runBatch failed: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "new" {
		t.Errorf("uploaded content = %q", b)
	}
}

func TestRunBatchSkipPolicyKeepsExisting(t *testing.T) {
	isolate(t)
	src, dst := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	tgt := target{params: session.LocalParams{Root: dst, ShowHidden: true}, path: dst}

	reqs, err := uploadRequests([]string{filepath.Join(src, "a.txt")}, tgt)
	if err != nil {
		t.Fatal(err)
	}
	flags := transferFlags{policy: "skip", noPrompt: true}
	err = runBatch(context.Background(), flags, tgt, src, func(context.Context, *app) ([]batch.Request, error) {
		return reqs, nil
	})
	if err != nil {
		t.Fatalf("runBatch failed: %v", err)
	}

	b, _ := os.ReadFile(filepath.Join(dst, "a.txt"))
	if string(b) != "old" {
		t.Errorf("existing file was replaced: %q", b)
	}
}

func TestRunBatchAskWithoutTerminalFails(t *testing.T) {
	isolate(t)
	src, dst := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	tgt := target{params: session.LocalParams{Root: dst, ShowHidden: true}, path: dst}
	reqs, err := uploadRequests([]string{filepath.Join(src, "a.txt")}, tgt)
	if err != nil {
		t.Fatal(err)
	}

	err = runBatch(context.Background(), transferFlags{noPrompt: true}, tgt, src, func(context.Context, *app) ([]batch.Request, error) {
		return reqs, nil
	})
	if err == nil {
		t.Fatal("expected an error when a conflict cannot be asked about")
	}
	b, _ := os.ReadFile(filepath.Join(dst, "a.txt"))
	if string(b) != "old" {
		t.Errorf("existing file was replaced: %q", b)
	}
}

func TestRunBatchNothingToTransfer(t *testing.T) {
	isolate(t)
	dst := t.TempDir()
	tgt := target{params: session.LocalParams{Root: dst}, path: dst}
	err := runBatch(context.Background(), transferFlags{policy: "skip", noPrompt: true}, tgt, dst,
		func(context.Context, *app) ([]batch.Request, error) { return nil, nil })
	if err == nil || !strings.Contains(err.Error(), "nothing to transfer") {
		t.Errorf("expected nothing to transfer, got %v", err)
	}
}

func TestDownloadRequests(t *testing.T) {
	remoteDir, localDir := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(remoteDir, "r.txt"), []byte("remote"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(remoteDir, "folder"), 0755); err != nil {
		t.Fatal(err)
	}

	d, err := session.NewDialer(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	remote, err := d.Dial(context.Background(), session.LocalParams{Root: remoteDir})
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	targets := []target{
		{params: session.LocalParams{Root: remoteDir}, path: filepath.Join(remoteDir, "r.txt")},
		{params: session.LocalParams{Root: remoteDir}, path: filepath.Join(remoteDir, "folder")},
	}
	reqs, err := downloadRequests(context.Background(), remote, targets, localDir)
	if err != nil {
		t.Fatalf("downloadRequests failed: %v", err)
	}
	if reqs[0].Size != 6 || reqs[0].DestPath != filepath.Join(localDir, "r.txt") {
		t.Errorf("file request = %+v", reqs[0])
	}
	if !reqs[1].IsFolder || reqs[1].Direction != transfer.Download {
		t.Errorf("folder request = %+v", reqs[1])
	}
}
