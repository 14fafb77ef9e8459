// Package config 定义聊天服务的分节配置，并负责默认值与校验。
package config

import (
	"time"

	"github.com/cockroachdb/errors"

	zviper "github.com/lk2023060901/chat-garden-go/pkg/util/viper"
)

// EnvPrefix 环境变量前缀，CHAT_SERVER_TCPADDR 覆盖 server.tcpAddr。
const EnvPrefix = "CHAT"

// Config 是 chat.yaml 的完整结构。
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Etcd    EtcdConfig    `mapstructure:"etcd"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Node    NodeConfig    `mapstructure:"node"`
}

// ServerConfig 网络入口与请求处理。
type ServerConfig struct {
	// TCPAddr 客户端 TCP 监听地址。
	TCPAddr string `mapstructure:"tcpAddr"`
	// AdminAddr 承载 /ws、/metrics、/healthz 的 HTTP 监听地址，为空时不启动。
	AdminAddr string `mapstructure:"adminAddr"`
	// Workers 请求处理协程池大小。
	Workers           int  `mapstructure:"workers"`
	MaxMessageLength  int  `mapstructure:"maxMessageLength"`
	ResetStateOnStart bool `mapstructure:"resetStateOnStart"`

	ReadTimeout      time.Duration `mapstructure:"readTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	SendQueueSize    int           `mapstructure:"sendQueueSize"`
	SendTimeout      time.Duration `mapstructure:"sendTimeout"`
	InboundQueueSize int           `mapstructure:"inboundQueueSize"`

	// Framer 取值 line 或 length。
	Framer          string `mapstructure:"framer"`
	Compression     bool   `mapstructure:"compression"`
	MinCompressSize int    `mapstructure:"minCompressSize"`

	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// EtcdConfig 在线状态桥接与节点注册共用的 etcd。
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	// UseEmbed 为 true 时在进程内启动 etcd，适合单机部署与开发环境。
	UseEmbed   bool   `mapstructure:"useEmbed"`
	ConfigPath string `mapstructure:"configPath"`
	DataDir    string `mapstructure:"dataDir"`
	LogPath    string `mapstructure:"logPath"`
	LogLevel   string `mapstructure:"logLevel"`
	RootPath   string `mapstructure:"rootPath"`
	LeaseTTL   int64  `mapstructure:"leaseTTL"`
}

// StoreConfig 数据库与连接池。
type StoreConfig struct {
	// PoolFile key=value 格式的连接池配置文件。
	PoolFile    string        `mapstructure:"poolFile"`
	SSLMode     string        `mapstructure:"sslMode"`
	Migrate     bool          `mapstructure:"migrate"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NodeConfig 本节点在集群中的标识。
type NodeConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	// Address 对外公布的地址，为空时使用 server.tcpAddr。
	Address string `mapstructure:"address"`
}

func setDefaults(c *zviper.Config) {
	c.SetDefault("server.tcpAddr", ":6000")
	c.SetDefault("server.adminAddr", ":6080")
	c.SetDefault("server.workers", 4)
	c.SetDefault("server.maxMessageLength", 4096)
	c.SetDefault("server.resetStateOnStart", false)
	c.SetDefault("server.readTimeout", "5m")
	c.SetDefault("server.writeTimeout", "10s")
	c.SetDefault("server.sendQueueSize", 1024)
	c.SetDefault("server.sendTimeout", "3s")
	c.SetDefault("server.inboundQueueSize", 64)
	c.SetDefault("server.framer", "line")
	c.SetDefault("server.compression", false)
	c.SetDefault("server.minCompressSize", 1024)
	c.SetDefault("server.shutdownTimeout", "10s")

	c.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	c.SetDefault("etcd.dialTimeout", "5s")
	c.SetDefault("etcd.useEmbed", false)
	c.SetDefault("etcd.dataDir", "./data/etcd")
	c.SetDefault("etcd.rootPath", "chat")
	c.SetDefault("etcd.leaseTTL", 10)

	c.SetDefault("store.poolFile", "./configs/pool.ini")
	c.SetDefault("store.migrate", true)
	c.SetDefault("store.dialTimeout", "5s")

	c.SetDefault("metrics.enabled", true)
	c.SetDefault("metrics.path", "/metrics")

	c.SetDefault("node.name", "chat")
	c.SetDefault("node.version", "1.0.0")
}

// Load 在 c 上填充默认值后解析全部配置并校验。
func Load(c *zviper.Config) (*Config, error) {
	setDefaults(c)
	cfg := &Config{}
	if err := c.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值范围，错误信息带上出错的 key。
func (c *Config) Validate() error {
	switch {
	case c.Server.TCPAddr == "":
		return errors.New("config: server.tcpAddr is required")
	case c.Server.Workers <= 0:
		return errors.Newf("config: server.workers must be positive, got %d", c.Server.Workers)
	case c.Server.MaxMessageLength <= 0:
		return errors.Newf("config: server.maxMessageLength must be positive, got %d", c.Server.MaxMessageLength)
	case c.Server.Framer != "line" && c.Server.Framer != "length":
		return errors.Newf("config: server.framer must be line or length, got %q", c.Server.Framer)
	case c.Server.Compression && c.Server.Framer != "length":
		return errors.New("config: server.compression requires server.framer=length")
	case !c.Etcd.UseEmbed && len(c.Etcd.Endpoints) == 0:
		return errors.New("config: etcd.endpoints is required unless etcd.useEmbed is set")
	case c.Store.PoolFile == "":
		return errors.New("config: store.poolFile is required")
	case c.Node.Name == "":
		return errors.New("config: node.name is required")
	}
	return nil
}

// AdvertiseAddress 节点注册时公布的地址。
func (c *Config) AdvertiseAddress() string {
	if c.Node.Address != "" {
		return c.Node.Address
	}
	return c.Server.TCPAddr
}
