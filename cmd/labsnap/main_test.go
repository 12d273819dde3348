package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"labsnap/internal/app"
	"labsnap/internal/snap"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "unhealthy report", err: &exitError{code: 2, msg: "doctor failed"}, want: 2},
		{name: "guardrail", err: fmt.Errorf("restore: %w", snap.ErrTargetExists), want: 2},
		{name: "unsafe archive", err: fmt.Errorf("doctor: %w", snap.ErrUnsafeArchive), want: 2},
		{name: "bad argument", err: fmt.Errorf("prune: %w", snap.ErrInvalidArgument), want: 2},
		{name: "unexpected", err: errors.New("disk on fire"), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestApplyFlag(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    bool
		wantErr bool
	}{
		{name: "dry run by default", args: nil, want: false},
		{name: "apply", args: []string{"--apply"}, want: true},
		{name: "explicit dry run", args: []string{"--dry-run"}, want: false},
		{name: "both", args: []string{"--apply", "--dry-run"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "gc"}
			cmd.Flags().Bool("apply", false, "")
			cmd.Flags().Bool("dry-run", false, "")
			if err := cmd.Flags().Parse(tt.args); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			got, err := applyFlag(cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("applyFlag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("applyFlag() = %v, want %v", got, tt.want)
			}
		})
	}
}

// setupEnv points the CLI at a fresh data dir with no config file.
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(app.EnvHome, home)
	t.Setenv(app.EnvConfigPath, filepath.Join(home, "labsnap.toml"))
	t.Setenv(app.EnvDBPath, "")
	t.Setenv(app.EnvExportsDir, "")
	return home
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since flag values survive between Execute calls.
func resetFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		var err error
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = sv.Replace(nil)
		} else {
			err = f.Value.Set(f.DefValue)
		}
		if err != nil {
			t.Fatalf("resetting --%s: %v", f.Name, err)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(t, sub)
	}
}

// execute runs the CLI and returns what it wrote to stdout and its exit status.
func execute(t *testing.T, args ...string) (string, int) {
	t.Helper()
	resetFlags(t, rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	code := 0
	if err := rootCmd.Execute(); err != nil {
		code = exitCode(err)
	}
	return out.String(), code
}

// jsonLine decodes the single line of output a --json-only command writes.
func jsonLine(t *testing.T, out string) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 1 || lines[0] == "" {
		t.Fatalf("output = %q, want exactly one JSON line", out)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &v); err != nil {
		t.Fatalf("decoding %q: %v", lines[0], err)
	}
	return v
}

func TestFailuresEmitOneJSONLine(t *testing.T) {
	setupEnv(t)
	if _, code := execute(t, "store", "init", "--json-only"); code != 0 {
		t.Fatalf("store init exit = %d", code)
	}

	tests := []struct {
		name       string
		args       []string
		wantSchema string
		wantError  string
		wantExit   int
	}{
		{
			name:       "export of unknown sample",
			args:       []string{"snapshot", "export", "--include-sample", "NOPE"},
			wantSchema: "snapshot_export_result",
			wantError:  "sample_not_found",
			wantExit:   2,
		},
		{
			name:       "prune keeping nothing",
			args:       []string{"snapshot", "prune", "--keep", "0"},
			wantSchema: "snapshot_prune_result",
			wantError:  "invalid_argument",
			wantExit:   2,
		},
		{
			name:       "pin of missing artifact",
			args:       []string{"snapshot", "pin", "snapshot-20990101-000000Z"},
			wantSchema: "snapshot_pin_result",
			wantError:  "artifact_resolution_error",
			wantExit:   2,
		},
		{
			name:       "unpin of foreign name",
			args:       []string{"snapshot", "unpin", "backup.tar.gz"},
			wantSchema: "snapshot_unpin_result",
			wantError:  "artifact_resolution_error",
			wantExit:   2,
		},
		{
			name:       "publish without a vault",
			args:       []string{"snapshot", "publish", "snapshot-20990101-000000Z"},
			wantSchema: "snapshot_publish_result",
			wantError:  "error",
			wantExit:   1,
		},
		{
			name:       "fetch without a vault",
			args:       []string{"snapshot", "fetch", "snapshot-20990101-000000Z"},
			wantSchema: "snapshot_fetch_result",
			wantError:  "error",
			wantExit:   1,
		},
		{
			name:       "latest of empty exports dir",
			args:       []string{"snapshot", "latest"},
			wantSchema: "labsnap_error",
			wantError:  "artifact_resolution_error",
			wantExit:   2,
		},
		{
			name:       "conflicting retention flags",
			args:       []string{"snapshot", "gc", "--apply", "--dry-run"},
			wantSchema: "labsnap_error",
			wantError:  "invalid_argument",
			wantExit:   2,
		},
		{
			name:       "unknown vault",
			args:       []string{"snapshot", "published", "--vault", "offsite"},
			wantSchema: "labsnap_error",
			wantError:  "error",
			wantExit:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code := execute(t, append(tt.args, "--json-only")...)
			if code != tt.wantExit {
				t.Errorf("exit = %d, want %d", code, tt.wantExit)
			}
			got := jsonLine(t, out)
			if got["schema"] != tt.wantSchema {
				t.Errorf("schema = %v, want %s", got["schema"], tt.wantSchema)
			}
			if got["ok"] != false {
				t.Errorf("ok = %v, want false", got["ok"])
			}
			if got["error"] != tt.wantError {
				t.Errorf("error = %v, want %s", got["error"], tt.wantError)
			}
			if got["rc"] != float64(tt.wantExit) {
				t.Errorf("rc = %v, want %d", got["rc"], tt.wantExit)
			}
		})
	}
}

func TestFailureWithoutJSONOnly(t *testing.T) {
	setupEnv(t)

	out, code := execute(t, "snapshot", "latest")
	if code != 2 {
		t.Errorf("exit = %d, want 2", code)
	}
	if got := jsonLine(t, out); got["command"] != "latest" {
		t.Errorf("command = %v, want latest", got["command"])
	}
}

func TestEnvironmentLocations(t *testing.T) {
	home := setupEnv(t)
	db := filepath.Join(home, "env", "lims.sqlite3")
	exports := filepath.Join(home, "env", "exports")
	t.Setenv(app.EnvDBPath, db)
	t.Setenv(app.EnvExportsDir, exports)

	out, code := execute(t, "store", "init", "--json-only")
	if code != 0 {
		t.Fatalf("store init exit = %d, output %q", code, out)
	}
	if got := jsonLine(t, out); got["path"] != db {
		t.Errorf("store path = %v, want %s", got["path"], db)
	}

	out, code = execute(t, "snapshot", "export", "--json-only")
	if code != 0 {
		t.Fatalf("export exit = %d, output %q", code, out)
	}
	exp := jsonLine(t, out)
	if dir, _ := exp["tarball"].(string); filepath.Dir(dir) != exports {
		t.Errorf("tarball = %v, want it under %s", exp["tarball"], exports)
	}

	out, code = execute(t, "snapshot", "latest")
	if code != 0 {
		t.Fatalf("latest exit = %d", code)
	}
	if strings.TrimSpace(out) != exp["tarball"] {
		t.Errorf("latest = %q, want %v", out, exp["tarball"])
	}

	other := filepath.Join(home, "flag-exports")
	out, code = execute(t, "snapshot", "latest", "--exports-dir", other, "--json-only")
	if code != 2 {
		t.Errorf("latest --exports-dir exit = %d, want 2 for an empty dir", code)
	}
	if got := jsonLine(t, out); got["error"] != "artifact_resolution_error" {
		t.Errorf("latest --exports-dir = %v", got)
	}
}
