package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/pybundle/internal/config"
	"github.com/oshokin/pybundle/internal/logger"
)

// TestInitWritesTemplate checks that init writes a loadable settings file and refuses to overwrite it.
func TestInitWritesTemplate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pybundle.yaml")

	var out bytes.Buffer

	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"init", "my-service", "--config", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), path)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "my-service", cfg.Package.Name)
	require.Equal(t, "from my_service import handler", cfg.Package.Entry)

	root = NewRootCommand()
	root.SetArgs([]string{"init", "other", "--config", path})
	require.ErrorIs(t, root.Execute(), errSettingsExist)
}

// TestVersionCommand checks that the version subcommand is attached.
func TestVersionCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--short"})
	require.NoError(t, root.Execute())
	require.NotEmpty(t, out.String())
}

// TestPackageRequiresSettings checks that a missing explicit settings file fails before packaging.
func TestPackageRequiresSettings(t *testing.T) {
	t.Parallel()

	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"package", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, root.Execute())
}

// recordingSink remembers the order of writes and flushes.
type recordingSink struct {
	events []string
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.events = append(s.events, "write: "+strings.TrimSpace(string(p)))

	return len(p), nil
}

func (s *recordingSink) Sync() error {
	s.events = append(s.events, "sync")

	return nil
}

// TestExitCode_LogsBeforeFlush writes the failure line before the final flush.
func TestExitCode_LogsBeforeFlush(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	ctx := logger.ToContext(context.Background(), zap.New(zapcore.NewCore(encoder, sink, zapcore.DebugLevel)).Sugar())

	require.Equal(t, 1, exitCode(ctx, errors.New("resolution failed")))
	require.Len(t, sink.events, 2)
	require.Contains(t, sink.events[0], "pybundle failed")
	require.Contains(t, sink.events[0], "resolution failed")
	require.Equal(t, "sync", sink.events[1])

	sink.events = nil

	require.Zero(t, exitCode(ctx, nil))
	require.Equal(t, []string{"sync"}, sink.events)
}
