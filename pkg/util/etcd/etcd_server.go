package etcd

import (
	"context"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

const embedReadyTimeout = 30 * time.Second

// EmbedConfig 描述单机部署时进程内启动的 etcd。
type EmbedConfig struct {
	// ConfigPath 非空时以 etcd 原生配置文件为基础，下面的字段覆盖其中的同名项。
	ConfigPath string
	DataDir    string
	LogPath    string
	LogLevel   string
}

// 进程内只允许一个嵌入式 etcd，桥接器与节点注册共用。
var embedded struct {
	mu     sync.Mutex
	server *embed.Etcd
}

// StartEmbedServer 启动嵌入式 etcd 并等待就绪，已启动时直接返回。
func StartEmbedServer(cfg EmbedConfig) error {
	embedded.mu.Lock()
	defer embedded.mu.Unlock()
	if embedded.server != nil {
		return nil
	}

	ecfg := embed.NewConfig()
	if cfg.ConfigPath != "" {
		fromFile, err := embed.ConfigFromFile(cfg.ConfigPath)
		if err != nil {
			return errors.Wrapf(err, "load etcd config %s", cfg.ConfigPath)
		}
		ecfg = fromFile
	}
	ecfg.Dir = cfg.DataDir
	if cfg.LogPath != "" {
		ecfg.LogOutputs = []string{cfg.LogPath}
	}
	if cfg.LogLevel != "" {
		ecfg.LogLevel = cfg.LogLevel
	}

	server, err := startAndWait(ecfg)
	if err != nil {
		log.Error("failed to start embedded etcd", zap.Error(err))
		return err
	}
	embedded.server = server
	log.Info("embedded etcd ready",
		zap.String("config", cfg.ConfigPath),
		zap.String("data", cfg.DataDir),
		zap.Strings("clientURLs", lo.Map(ecfg.ListenClientUrls, func(u url.URL, _ int) string { return u.String() })))
	return nil
}

func startAndWait(cfg *embed.Config) (*embed.Etcd, error) {
	server, err := embed.StartEtcd(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "start embedded etcd")
	}
	select {
	case <-server.Server.ReadyNotify():
		return server, nil
	case <-time.After(embedReadyTimeout):
		server.Close()
		return nil, errors.Newf("embedded etcd not ready after %s", embedReadyTimeout)
	}
}

// StopEmbedServer 关闭嵌入式 etcd，未启动时什么也不做。
func StopEmbedServer() {
	embedded.mu.Lock()
	defer embedded.mu.Unlock()
	if embedded.server != nil {
		embedded.server.Close()
		embedded.server = nil
	}
}

// EmbedClient 返回嵌入式 etcd 的进程内 v3 客户端，不经过网络。
func EmbedClient() (*clientv3.Client, error) {
	embedded.mu.Lock()
	defer embedded.mu.Unlock()
	if embedded.server == nil {
		return nil, errors.New("embedded etcd not started")
	}
	return v3client.New(embedded.server.Server), nil
}

// RemoteClient 连接外部 etcd 集群，dialTimeout 内第一个 endpoint 的 Status 必须成功。
func RemoteClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd endpoints are empty")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.L().Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := cli.Status(ctx, endpoints[0]); err != nil {
		_ = cli.Close()
		return nil, errors.Wrapf(err, "etcd %s unreachable", endpoints[0])
	}
	return cli, nil
}

// StartTestEmbedEtcdServer 在临时目录里以随机端口启动 etcd，供单元测试使用。
// 调用方负责 Close 并删除返回的目录。
func StartTestEmbedEtcdServer() (*embed.Etcd, string, error) {
	dir, err := os.MkdirTemp("", "chat_ut")
	if err != nil {
		return nil, "", err
	}
	cfg := embed.NewConfig()
	cfg.Dir = dir
	cfg.LogLevel = "warn"
	cfg.LogOutputs = []string{"default"}
	local := url.URL{Scheme: "http", Host: "localhost:0"}
	cfg.ListenClientUrls = []url.URL{local}
	cfg.ListenPeerUrls = []url.URL{local}

	server, err := startAndWait(cfg)
	return server, dir, err
}

// NewTestClient 返回连接测试 etcd 的进程内客户端。
func NewTestClient(server *embed.Etcd) *clientv3.Client {
	return v3client.New(server.Server)
}
