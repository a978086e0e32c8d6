package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	dir := test.TempDir()
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/credits", wantDriver: "postgres"},
		{name: "postgresql", dsn: "postgresql://user@localhost/credits", wantDriver: "postgres"},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(dir, "a", "credits.db"), wantDriver: "sqlite", wantPath: filepath.Join(dir, "a", "credits.db")},
		{name: "bare path", dsn: filepath.Join(dir, "b.db"), wantDriver: "sqlite", wantPath: filepath.Join(dir, "b.db")},
		{name: "memory", dsn: ":memory:", wantDriver: "sqlite", wantPath: ":memory:"},
	}
	for _, testCase := range testCases {
		driver, path, err := resolveDriver(testCase.dsn)
		if err != nil {
			test.Fatalf("%s: resolve: %v", testCase.name, err)
		}
		if driver != testCase.wantDriver || path != testCase.wantPath {
			test.Fatalf("%s: got (%s, %s), want (%s, %s)", testCase.name, driver, path, testCase.wantDriver, testCase.wantPath)
		}
	}
}

func TestLoadConfigDefaultsAndValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "defaults"},
		{name: "unknown driver", args: []string{"--store-driver", "mongo"}, wantErr: "store-driver"},
		{name: "negative default credits", args: []string{"--default-credits", "-1"}, wantErr: "default-credits"},
		{name: "zero tolerance", args: []string{"--webhook-tolerance", "0s"}, wantErr: "webhook-tolerance"},
	}
	for _, testCase := range testCases {
		cfg := &runtimeConfig{}
		cmd := newRootCommand()
		if err := cmd.ParseFlags(append([]string{"--database-url", filepath.Join(test.TempDir(), "credits.db")}, testCase.args...)); err != nil {
			test.Fatalf("%s: parse flags: %v", testCase.name, err)
		}
		err := loadConfig(cmd, cfg)
		if testCase.wantErr == "" {
			if err != nil {
				test.Fatalf("%s: unexpected error: %v", testCase.name, err)
			}
			if cfg.StoreDriver != storeDriverGorm || cfg.DefaultCredits != 100 || cfg.WebhookTolerance != 300*time.Second || cfg.HTTP.ListenAddr != ":8080" {
				test.Fatalf("%s: unexpected defaults: %+v", testCase.name, cfg)
			}
			if !cfg.autoMigrate() {
				test.Fatalf("%s: expected sqlite to auto migrate", testCase.name)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
			test.Fatalf("%s: expected error mentioning %q, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestCreditsCommandsAgainstSQLite(test *testing.T) {
	databasePath := filepath.Join(test.TempDir(), "credits.db")

	run := func(args ...string) map[string]any {
		test.Helper()
		var output bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&output)
		cmd.SetArgs(append([]string{"--database-url", databasePath}, args...))
		if err := cmd.Execute(); err != nil {
			test.Fatalf("%v: %v", args, err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(output.Bytes(), &decoded); err != nil {
			test.Fatalf("%v: decode output %q: %v", args, output.String(), err)
		}
		return decoded
	}

	if got := run("credits", "get", "--user-id", "user-1"); got["remaining"] != float64(100) {
		test.Fatalf("expected default balance, got %v", got)
	}
	if got := run("credits", "set", "--user-id", "user-1", "--value", "3"); got["remaining"] != float64(3) {
		test.Fatalf("expected 3 after set, got %v", got)
	}
	if got := run("credits", "adjust", "--user-id", "user-1", "--delta", "-5"); got["remaining"] != float64(0) {
		test.Fatalf("expected clamp at zero, got %v", got)
	}
	if got := run("credits", "get", "--user-id", "user-1"); got["remaining"] != float64(0) || got["user_id"] != "user-1" {
		test.Fatalf("unexpected final balance: %v", got)
	}
}

func TestCreditsAdjustRejectsZeroDelta(test *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--database-url", filepath.Join(test.TempDir(), "credits.db"), "credits", "adjust", "--user-id", "user-1", "--delta", "0"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "invalid credit delta") {
		test.Fatalf("expected invalid delta error, got %v", err)
	}
}

func TestMigrateWithDirectory(test *testing.T) {
	var output bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&output)
	cmd.SetArgs([]string{"--database-url", filepath.Join(test.TempDir(), "credits.db"), "migrate", "--with-directory"})
	if err := cmd.Execute(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(output.String(), "schema is up to date") {
		test.Fatalf("unexpected output %q", output.String())
	}
}
