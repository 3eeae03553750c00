package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paneflow/paneflow/internal/config"
)

// withConfigFile points --config at path for the duration of the test.
func withConfigFile(t *testing.T, path string) {
	t.Helper()
	old := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = old })
}

// TestConfigCmd tests the config command group
func TestConfigCmd(t *testing.T) {
	cmd := newConfigCmd()
	if cmd.Use != "config" {
		t.Errorf("Expected Use='config', got '%s'", cmd.Use)
	}

	expectedSubs := []string{"init", "show", "path"}
	subcommands := cmd.Commands()
	if len(subcommands) != len(expectedSubs) {
		t.Errorf("Expected %d subcommands, got %d", len(expectedSubs), len(subcommands))
	}

	found := make(map[string]bool)
	for _, sub := range subcommands {
		found[sub.Name()] = true
	}
	for _, expected := range expectedSubs {
		if !found[expected] {
			t.Errorf("Subcommand '%s' not found", expected)
		}
	}

	if newConfigInitCmd().Flags().Lookup("force") == nil {
		t.Error("--force flag not found")
	}
}

func TestConfigWizardAnswers(t *testing.T) {
	input := strings.Join([]string{
		"3",           // retries
		"",            // base delay
		"",            // max delay
		"skip",        // policy
		"5",           // threshold
		"",            // resumes
		"n",           // notifications
		"y",           // proxy
		"basic",       // mode
		"proxy.local", // host
		"3128",        // port
		"user",        // user
		"",            // no_proxy
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg, err := runConfigWizard(strings.NewReader(input), &out)
	if err != nil {
		t.Fatalf("runConfigWizard failed: %v", err)
	}

	def := config.Default()
	if cfg.Transfer.MaxRetriesPerFile != 3 {
		t.Errorf("MaxRetriesPerFile = %d", cfg.Transfer.MaxRetriesPerFile)
	}
	if cfg.Transfer.RetryBaseDelayMs != def.Transfer.RetryBaseDelayMs {
		t.Errorf("RetryBaseDelayMs = %d, want default", cfg.Transfer.RetryBaseDelayMs)
	}
	if cfg.Transfer.ConflictPolicy != "skip" {
		t.Errorf("ConflictPolicy = %q", cfg.Transfer.ConflictPolicy)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.MaxResumeAttempts != def.Breaker.MaxResumeAttempts {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.Notifications.Enabled {
		t.Error("notifications should be disabled")
	}
	if cfg.Proxy.Mode != "basic" || cfg.Proxy.Host != "proxy.local" || cfg.Proxy.Port != 3128 || cfg.Proxy.User != "user" {
		t.Errorf("Proxy = %+v", cfg.Proxy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("wizard produced an invalid config: %v", err)
	}
}

func TestConfigWizardBadNumberKeepsDefault(t *testing.T) {
	var out bytes.Buffer
	cfg, err := runConfigWizard(strings.NewReader("lots\n"), &out)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transfer.MaxRetriesPerFile != config.Default().Transfer.MaxRetriesPerFile {
		t.Errorf("MaxRetriesPerFile = %d", cfg.Transfer.MaxRetriesPerFile)
	}
	if !strings.Contains(out.String(), "Invalid number") {
		t.Error("expected an invalid number notice")
	}
}

func TestConfigInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paneflow.conf")
	withConfigFile(t, path)

	cmd := newConfigInitCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(""))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Breaker.Threshold != config.Default().Breaker.Threshold {
		t.Errorf("Threshold = %d", loaded.Breaker.Threshold)
	}
	if !strings.Contains(out.String(), "Configuration saved") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestConfigInitKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paneflow.conf")
	if err := os.WriteFile(path, []byte("[breaker]\nthreshold = 7\n"), 0600); err != nil {
		t.Fatal(err)
	}
	withConfigFile(t, path)

	cmd := newConfigInitCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(""))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "threshold = 7") {
		t.Error("existing configuration was overwritten")
	}
}

func TestConfigShowMasksPassword(t *testing.T) {
	cfg := config.Default()
	cfg.Proxy.Mode = "basic"
	cfg.Proxy.Host = "proxy.local"
	cfg.Proxy.Port = 3128
	cfg.Proxy.User = "user"
	cfg.Proxy.Password = "hunter2"

	var out bytes.Buffer
	printConfig(&out, cfg, "/etc/paneflow.conf")
	s := out.String()
	if strings.Contains(s, "hunter2") {
		t.Error("password leaked into output")
	}
	for _, want := range []string{"[transfer]", "[breaker]", "proxy.local:3128", "********", "/etc/paneflow.conf"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestConfigShowAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paneflow.conf")
	withConfigFile(t, path)
	oldEnv := envFile
	envFile = filepath.Join(t.TempDir(), ".env")
	t.Cleanup(func() { envFile = oldEnv })
	t.Setenv("PANEFLOW_BREAKER_THRESHOLD", "9")

	cmd := newConfigShowCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "threshold            = 9") {
		t.Errorf("environment override not shown:\n%s", out.String())
	}
}

// TestConfigPath tests the config path command
func TestConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.conf")
	withConfigFile(t, path)

	cmd := newConfigPathCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), path) || !strings.Contains(out.String(), "does not exist") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
