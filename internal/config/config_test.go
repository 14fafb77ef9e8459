package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zviper "github.com/lk2023060901/chat-garden-go/pkg/util/viper"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	p := writeFile(t, "chat.yaml", "node:\n  name: chat-a\n")
	c := zviper.New()
	require.NoError(t, c.LoadFile(p))

	cfg, err := Load(c)
	require.NoError(t, err)
	assert.Equal(t, "chat-a", cfg.Node.Name)
	assert.Equal(t, ":6000", cfg.Server.TCPAddr)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 4096, cfg.Server.MaxMessageLength)
	assert.Equal(t, 5*time.Minute, cfg.Server.ReadTimeout)
	assert.Equal(t, "line", cfg.Server.Framer)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd.Endpoints)
	assert.True(t, cfg.Store.Migrate)
	assert.Equal(t, ":6000", cfg.AdvertiseAddress())
}

func TestLoadOverrides(t *testing.T) {
	p := writeFile(t, "chat.yaml", `
server:
  tcpAddr: 0.0.0.0:7000
  workers: 16
  resetStateOnStart: true
  sendTimeout: 500ms
  framer: length
  compression: true
etcd:
  useEmbed: true
  endpoints: []
node:
  name: chat-b
  address: 10.0.0.2:7000
`)
	c := zviper.New()
	require.NoError(t, c.LoadFile(p))

	cfg, err := Load(c)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.TCPAddr)
	assert.Equal(t, 16, cfg.Server.Workers)
	assert.True(t, cfg.Server.ResetStateOnStart)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.SendTimeout)
	assert.True(t, cfg.Server.Compression)
	assert.True(t, cfg.Etcd.UseEmbed)
	assert.Equal(t, "10.0.0.2:7000", cfg.AdvertiseAddress())
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeFile(t, "chat.yaml", "server:\n  workers: 2\n")
	t.Setenv("CHAT_SERVER_WORKERS", "8")
	c := zviper.New()
	require.NoError(t, c.LoadFile(p))
	c.BindEnv(EnvPrefix)

	cfg, err := Load(c)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Server.Workers)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"bad framer", "server:\n  framer: xml\n", "server.framer"},
		{"compression on line framer", "server:\n  compression: true\n", "server.compression"},
		{"zero workers", "server:\n  workers: 0\n", "server.workers"},
		{"no etcd", "etcd:\n  endpoints: []\n", "etcd.endpoints"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := zviper.New()
			require.NoError(t, c.LoadFile(writeFile(t, "chat.yaml", tc.yaml)))
			_, err := Load(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestLoadPoolFile(t *testing.T) {
	p := writeFile(t, "pool.ini", `ip=10.1.1.1
port=5433
user=chat
password=secret
dbname=chat
initsize=10
maxsize=1024
maxIdletime=60
connectiontimeout=100
`)
	pf, err := LoadPoolFile(p, "")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", pf.DB.Host)
	assert.Equal(t, 5433, pf.DB.Port)
	assert.Equal(t, "chat", pf.DB.User)
	assert.Equal(t, "secret", pf.DB.Password)
	assert.Equal(t, "chat", pf.DB.DBName)
	assert.Equal(t, 10, pf.Pool.InitSize)
	assert.Equal(t, 1024, pf.Pool.MaxSize)
	assert.Equal(t, time.Minute, pf.Pool.MaxIdleTime)
	assert.Equal(t, 100*time.Millisecond, pf.Pool.ConnectionTimeout)
}

func TestLoadPoolFileErrors(t *testing.T) {
	_, err := LoadPoolFile(filepath.Join(t.TempDir(), "missing.ini"), "")
	assert.Error(t, err)

	p := writeFile(t, "pool.ini", "user=chat\ndbname=chat\ninitsize=1\nmaxsize=2\nmaxIdletime=60\n")
	_, err = LoadPoolFile(p, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connectiontimeout")

	p = writeFile(t, "pool2.ini", "user=chat\ndbname=chat\ninitsize=5\nmaxsize=2\nmaxIdletime=60\nconnectiontimeout=100\n")
	_, err = LoadPoolFile(p, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initsize")
}
