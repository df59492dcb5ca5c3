// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
)

// executeCommand runs a fresh command tree and returns its combined output.
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// interceptConfig swaps the RunE of the named subcommand for one that records
// the loaded configuration.
func interceptConfig(t *testing.T, root *cobra.Command, name string) **config.Config {
	t.Helper()
	var got *config.Config
	for _, c := range root.Commands() {
		if c.Name() == name {
			c.RunE = func(cmd *cobra.Command, args []string) error {
				cfg, err := configFromContext(cmd.Context())
				got = cfg
				return err
			}
			return &got
		}
	}
	t.Fatalf("no %s command", name)
	return nil
}

// createTempConfig writes content to a config file in a temp dir.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, NewRootCommand(), "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, NewRootCommand(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pagestitch version "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t, NewRootCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "pagestitch captures whole web pages as a single image.")
	assert.Contains(t, out, "capture")
	assert.Contains(t, out, "devices")
}

func TestConfigLoading(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		root := NewRootCommand()
		got := interceptConfig(t, root, "capture")
		_, err := executeCommand(t, root, "--config", createTempConfig(t, "{}"), "capture", "example.com")
		require.NoError(t, err)
		require.NotNil(t, *got)
		assert.Equal(t, schemas.FormatPNG, (*got).Capture.Defaults.OutputFormat)
		assert.Equal(t, 200, (*got).Walker.MaxIterations)
	})

	t.Run("file and environment", func(t *testing.T) {
		t.Setenv("PAGESTITCH_WALKER_MAX_ITERATIONS", "50")
		file := createTempConfig(t, `
capture:
  defaults:
    output_format: JPG
    jpeg_quality: 70
browser:
  concurrency: 5
devices:
  - name: watch
    width: 200
    height: 200
    scale: 2
`)
		root := NewRootCommand()
		got := interceptConfig(t, root, "devices")
		_, err := executeCommand(t, root, "--config", file, "devices", "example.com")
		require.NoError(t, err)

		cfg := *got
		require.NotNil(t, cfg)
		assert.Equal(t, schemas.FormatJPEG, cfg.Capture.Defaults.OutputFormat)
		assert.Equal(t, 70, cfg.Capture.Defaults.JPEGQuality)
		assert.Equal(t, 5, cfg.Browser.Concurrency)
		assert.Equal(t, 50, cfg.Walker.MaxIterations)
		d, ok := cfg.Device("watch")
		require.True(t, ok)
		assert.Equal(t, 2.0, d.Scale)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		file := createTempConfig(t, "browser:\n  concurrency: 0\n")
		_, err := executeCommand(t, NewRootCommand(), "--config", file, "capture", "example.com")
		assert.ErrorContains(t, err, "browser.concurrency")
	})

	t.Run("unreadable file", func(t *testing.T) {
		_, err := executeCommand(t, NewRootCommand(), "--config", filepath.Join(t.TempDir(), "missing.yaml"), "capture", "example.com")
		assert.ErrorContains(t, err, "failed to initialize configuration")
	})
}

func TestCaptureCmd_Validation(t *testing.T) {
	cfgFile := createTempConfig(t, "{}")
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no url", []string{"capture"}, "accepts 1 arg(s), received 0"},
		{"unknown mode", []string{"capture", "--mode", "panorama", "example.com"}, `unknown mode "panorama"`},
		{"element without selector", []string{"capture", "--mode", "element", "example.com"}, "--selector is required"},
		{"bad format", []string{"capture", "--format", "gif", "example.com"}, `unsupported format "gif"`},
		{"bad quality", []string{"capture", "--quality", "0", "example.com"}, "quality must be between 1 and 100"},
		{"unknown device", []string{"devices", "--device", "toaster", "example.com"}, `unknown device "toaster"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"--config", cfgFile}, tc.args...)
			_, err := executeCommand(t, NewRootCommand(), args...)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestConfigFromContext(t *testing.T) {
	_, err := configFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := configFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
