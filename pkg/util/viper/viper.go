package viper

import (
	"path/filepath"
	"strings"
	"time"

	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，对外提供精简的配置加载接口。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config。
// 在调用 Unmarshal/UnmarshalKey 之前需要先调用 LoadFile 加载配置文件。
func New() *Config {
	return &Config{
		v: spfviper.New(),
	}
}

// LoadFile 加载配置文件，类型通过扩展名推断：
// .yaml/.yml/.json 为结构化配置，.ini/.properties/.conf 为不分节的 key=value 文件。
func (c *Config) LoadFile(path string) error {
	return c.LoadFileAs(path, typeFromExt(path))
}

// LoadFileAs 以指定类型加载配置文件，typ 为空时交给 viper 推断。
func (c *Config) LoadFileAs(path string, typ string) error {
	if c.v == nil {
		c.v = spfviper.New()
	}
	c.v.SetConfigFile(path)
	if typ != "" {
		c.v.SetConfigType(typ)
	}
	return c.v.ReadInConfig()
}

func typeFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".ini", ".properties", ".props", ".conf":
		// key=value 且不分节，ini 解析器会把它们放进 default 节，这里统一按 properties 处理
		return "properties"
	default:
		return ""
	}
}

// BindEnv 让 prefix_KEY 形式的环境变量覆盖文件中的同名配置，
// 嵌套 key 中的 "." 替换为 "_"。
func (c *Config) BindEnv(prefix string) {
	c.v.SetEnvPrefix(prefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.v.AutomaticEnv()
}

func (c *Config) SetDefault(key string, value any) {
	c.v.SetDefault(key, value)
}

// IsSet 判断 key 是否在文件、环境变量或默认值中出现过。key 大小写不敏感。
func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst any) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
func (c *Config) UnmarshalKey(key string, dst any) error {
	if c.v == nil {
		return nil
	}
	return c.v.UnmarshalKey(key, dst)
}
