package application

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chat-garden-go/internal/config"
	zlog "github.com/lk2023060901/chat-garden-go/pkg/log"
	zviper "github.com/lk2023060901/chat-garden-go/pkg/util/viper"
)

const (
	// DefaultConfigPath 未通过命令行或环境变量指定时使用的配置文件。
	DefaultConfigPath = "./configs/chat.yaml"
	// ConfigPathEnv 指定配置文件路径的环境变量。
	ConfigPathEnv = "CHAT_CONFIG_FILE_PATH"
)

// Application 持有进程级的配置与按名字划分的 Logger，cmd 下的二进制共用。
type Application struct {
	args     []string
	raw      *zviper.Config
	settings *config.Config
	loggers  map[string]*zlog.MLogger
}

func New() *Application {
	return &Application{args: os.Args[1:]}
}

// NewWithArgs 使用给定的命令行参数，测试中使用。
func NewWithArgs(args []string) *Application {
	return &Application{args: args}
}

// Init 加载配置并初始化日志。配置文件路径的优先级为
// --config 参数、CHAT_CONFIG_FILE_PATH、DefaultConfigPath。
// 配置中的任意 key 都可以被 CHAT_ 前缀的环境变量覆盖，例如 CHAT_SERVER_WORKERS。
func (a *Application) Init() error {
	path, err := a.resolveConfigPath()
	if err != nil {
		return err
	}
	raw := zviper.New()
	setLogDefaults(raw)
	if err := raw.LoadFile(path); err != nil {
		return errors.Wrapf(err, "load config file %q", path)
	}
	raw.BindEnv(config.EnvPrefix)
	a.raw = raw

	if err := a.initGlobalLogger(); err != nil {
		return err
	}
	if err := a.initNamedLoggers(); err != nil {
		return err
	}

	a.settings, err = config.Load(raw)
	return err
}

// Config 返回原始配置，Init 之前为 nil。
func (a *Application) Config() *zviper.Config {
	return a.raw
}

func (a *Application) Settings() *config.Config {
	return a.settings
}

// SignalContext 在收到 SIGINT 或 SIGTERM 时取消。
func (a *Application) SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Logger 返回 logging 段中同名配置构造的 Logger，没有配置时退回全局 Logger。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok {
		return lg
	}
	return zlog.With()
}

func (a *Application) resolveConfigPath() (string, error) {
	def := DefaultConfigPath
	if env := os.Getenv(ConfigPathEnv); env != "" {
		def = env
	}
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", def, "path of the config file")
	if err := fs.Parse(a.args); err != nil {
		return "", errors.Wrap(err, "parse command line")
	}
	return *path, nil
}

// 全局 Logger 读取 log 段，因此 CHAT_LOG_LEVEL、CHAT_LOG_FILE_FILENAME 等环境变量同样生效。
// log.enable 为 false 时丢弃所有输出。
func setLogDefaults(c *zviper.Config) {
	c.SetDefault("log.enable", true)
	c.SetDefault("log.level", "info")
	c.SetDefault("log.format", "text")
	c.SetDefault("log.stdout", true)
	c.SetDefault("log.file.rootpath", "")
	c.SetDefault("log.file.filename", "")
}

func (a *Application) initGlobalLogger() error {
	cfg := &zlog.Config{
		Level:               a.raw.GetString("log.level"),
		Format:              a.raw.GetString("log.format"),
		Stdout:              a.raw.GetBool("log.stdout"),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: a.raw.GetString("log.file.rootpath"),
			Filename: a.raw.GetString("log.file.filename"),
		},
	}
	if !a.raw.GetBool("log.enable") {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}
	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initNamedLoggers 为 logging 段下的每一项构造独立的 Logger，例如
//
//	logging:
//	  chat:
//	    level: debug
//	    file:
//	      rootpath: ./logs
//	      filename: chat.log
func (a *Application) initNamedLoggers() error {
	named := make(map[string]zlog.Config)
	if err := a.raw.UnmarshalKey("logging", &named); err != nil {
		return errors.Wrap(err, "decode logging section")
	}
	a.loggers = make(map[string]*zlog.MLogger, len(named))
	for name, lc := range named {
		logger, _, err := zlog.InitLogger(&lc)
		if err != nil {
			return errors.Wrapf(err, "init logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}
	return nil
}
