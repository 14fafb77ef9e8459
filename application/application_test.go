package application

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	zlog "github.com/lk2023060901/chat-garden-go/pkg/log"
)

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	p, err := NewWithArgs(nil).resolveConfigPath()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigPath, p)

	t.Setenv(ConfigPathEnv, "/etc/chat/env.yaml")
	p, err = NewWithArgs(nil).resolveConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/chat/env.yaml", p)

	p, err = NewWithArgs([]string{"--config", "/tmp/a.yaml"}).resolveConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.yaml", p)

	p, err = NewWithArgs([]string{"--config=/tmp/b.yaml"}).resolveConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b.yaml", p)

	_, err = NewWithArgs([]string{"--config"}).resolveConfigPath()
	assert.Error(t, err)
}

func TestInitLogLevelFromEnv(t *testing.T) {
	t.Setenv("CHAT_LOG_ENABLE", "false")
	t.Setenv("CHAT_LOG_LEVEL", "warn")
	p := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: debug\n"), 0o600))

	app := NewWithArgs([]string{"--config", p})
	require.NoError(t, app.Init())
	defer zlog.SetLevel(zapcore.InfoLevel)
	assert.Equal(t, zapcore.WarnLevel, zlog.GetLevel())
}

func TestInit(t *testing.T) {
	t.Setenv("CHAT_LOG_ENABLE", "false")
	dir := t.TempDir()
	p := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
server:
  workers: 3
node:
  name: chat-test
logging:
  chat:
    level: debug
`), 0o600))

	app := NewWithArgs([]string{"--config=" + p})
	require.NoError(t, app.Init())
	assert.Equal(t, 3, app.Settings().Server.Workers)
	assert.Equal(t, "chat-test", app.Settings().Node.Name)
	assert.NotNil(t, app.Logger("chat"))
	assert.NotNil(t, app.Logger("unknown"))
}

func TestInitMissingFile(t *testing.T) {
	app := NewWithArgs([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")})
	assert.Error(t, app.Init())
}
