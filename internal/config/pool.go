package config

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chat-garden-go/internal/storage/db"
	"github.com/lk2023060901/chat-garden-go/internal/storage/pool"
	zviper "github.com/lk2023060901/chat-garden-go/pkg/util/viper"
)

// 连接池配置文件中的键，不分节，大小写不敏感。
const (
	poolKeyIP                = "ip"
	poolKeyPort              = "port"
	poolKeyUser              = "user"
	poolKeyPassword          = "password"
	poolKeyDBName            = "dbname"
	poolKeyInitSize          = "initsize"
	poolKeyMaxSize           = "maxsize"
	poolKeyMaxIdleTime       = "maxIdletime"
	poolKeyConnectionTimeout = "connectiontimeout"
)

// PoolFile 是连接池配置文件解析后的结果。
type PoolFile struct {
	DB   db.Config
	Pool pool.Config
}

// LoadPoolFile 读取 key=value 格式的连接池配置：
//
//	ip=127.0.0.1
//	port=5432
//	user=chat
//	password=chat
//	dbname=chat
//	initsize=10
//	maxsize=1024
//	maxIdletime=60
//	connectiontimeout=100
//
// maxIdletime 单位为秒，connectiontimeout 单位为毫秒。
func LoadPoolFile(path string, sslMode string) (*PoolFile, error) {
	c := zviper.New()
	if err := c.LoadFileAs(path, "properties"); err != nil {
		return nil, errors.Wrapf(err, "load pool file %q", path)
	}
	c.SetDefault(poolKeyIP, "127.0.0.1")
	c.SetDefault(poolKeyPort, 5432)

	for _, key := range []string{poolKeyUser, poolKeyDBName, poolKeyInitSize, poolKeyMaxSize, poolKeyMaxIdleTime, poolKeyConnectionTimeout} {
		if !c.IsSet(key) {
			return nil, errors.Newf("pool file %q: missing key %s", path, key)
		}
	}

	pf := &PoolFile{
		DB: db.Config{
			Host:     c.GetString(poolKeyIP),
			Port:     c.GetInt(poolKeyPort),
			User:     c.GetString(poolKeyUser),
			Password: c.GetString(poolKeyPassword),
			DBName:   c.GetString(poolKeyDBName),
			SSLMode:  sslMode,
		},
		Pool: pool.Config{
			InitSize:          c.GetInt(poolKeyInitSize),
			MaxSize:           c.GetInt(poolKeyMaxSize),
			MaxIdleTime:       time.Duration(c.GetInt(poolKeyMaxIdleTime)) * time.Second,
			ConnectionTimeout: time.Duration(c.GetInt(poolKeyConnectionTimeout)) * time.Millisecond,
		},
	}
	if err := pf.Pool.Validate(); err != nil {
		return nil, errors.Wrapf(err, "pool file %q", path)
	}
	return pf, nil
}
