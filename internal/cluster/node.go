// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cluster 把聊天节点注册到 etcd，供其他节点与运维发现。
package cluster

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/retry"
)

const (
	// DefaultNodeRoot 为节点信息在 etcd 中的默认目录。
	DefaultNodeRoot = "nodes"
	// DefaultIDKey 为节点自增 ID 使用的键名。
	DefaultIDKey = "id"
	// NodeIDForTesting 设置后直接作为节点 ID，不访问自增键。
	NodeIDForTesting = "CHAT_NODE_ID_FOR_TESTING"
)

const (
	defaultNodeTTL        int64 = 30
	defaultNodeRetryTimes int64 = 10
)

var defaultNodeVersion = semver.MustParse("0.0.0")

// NodeRaw 为节点的持久化部分。
type NodeRaw struct {
	ServerID   int64             `json:"ServerID,omitempty"`
	ServerName string            `json:"ServerName,omitempty"`
	Address    string            `json:"Address,omitempty"`
	Stopping   bool              `json:"Stopping,omitempty"`
	Version    string            `json:"Version"`
	LeaseID    *clientv3.LeaseID `json:"LeaseID,omitempty"`
	HostName   string            `json:"HostName,omitempty"`
	StartedAt  int64             `json:"StartedAt,omitempty"`
}

// Node 是一个注册在 etcd 中的聊天节点。
//
// 键：<metaRoot>/nodes/<ServerName>-<ServerID>，值：JSON 序列化后的 NodeRaw，
// 绑定在本节点的租约上，进程退出或租约过期后自动消失。
type Node struct {
	log.Binder

	ctx    context.Context
	cancel context.CancelFunc

	NodeRaw

	Version semver.Version `json:"Version,omitempty"`

	etcdCli *clientv3.Client
	wg      sync.WaitGroup

	metaRoot string

	registered   atomic.Bool
	disconnected atomic.Bool

	ttl        int64
	retryTimes int64
}

type NodeOption func(node *Node)

func WithTTL(ttl int64) NodeOption {
	return func(node *Node) { node.ttl = ttl }
}

func WithRetryTimes(n int64) NodeOption {
	return func(node *Node) { node.retryTimes = n }
}

func WithVersion(v semver.Version) NodeOption {
	return func(node *Node) { node.Version = v }
}

func (s *Node) apply(opts ...NodeOption) {
	for _, opt := range opts {
		opt(s)
	}
}

// UnmarshalJSON 将 JSON 字节反序列化为 Node。
func (s *Node) UnmarshalJSON(data []byte) error {
	err := json.Unmarshal(data, &s.NodeRaw)
	if err != nil {
		return err
	}

	if s.NodeRaw.Version != "" {
		s.Version, err = semver.Parse(s.NodeRaw.Version)
		if err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON 将 Node 序列化为 JSON 字节。
func (s *Node) MarshalJSON() ([]byte, error) {
	s.NodeRaw.Version = s.Version.String()
	return json.Marshal(s.NodeRaw)
}

// NewNode 创建节点，ServerID、ServerName、Address 在 Init 之后才有值。
// metaRoot 为节点信息在 etcd 中的路径前缀。
func NewNode(ctx context.Context, metaRoot string, client *clientv3.Client, opts ...NodeOption) *Node {
	hostName, hostNameErr := os.Hostname()
	if hostNameErr != nil {
		log.Ctx(ctx).Error("get host name fail", zap.Error(hostNameErr))
	}

	ctx, cancel := context.WithCancel(ctx)
	node := &Node{
		ctx:    ctx,
		cancel: cancel,

		metaRoot: metaRoot,
		Version:  defaultNodeVersion,

		NodeRaw: NodeRaw{
			HostName: hostName,
		},

		ttl:        defaultNodeTTL,
		retryTimes: defaultNodeRetryTimes,
	}
	node.apply(opts...)
	node.etcdCli = client
	return node
}

// Init 填充节点名与地址，并通过 etcd 自增键分配 ServerID。
func (s *Node) Init(serverName, address string) error {
	s.ServerName = serverName
	s.Address = address
	s.StartedAt = time.Now().Unix()
	if err := s.checkIDExist(); err != nil {
		return err
	}
	serverID, err := s.getServerID()
	if err != nil {
		return err
	}
	s.ServerID = serverID

	s.SetLogger(log.With(
		log.FieldComponent("node-registration"),
		zap.String("name", serverName),
		zap.Int64("serverID", s.ServerID),
		zap.String("address", address),
	))
	return nil
}

// String 返回节点的字符串表示，便于日志打印。
func (s *Node) String() string {
	return fmt.Sprintf("Node:<ServerID: %d, ServerName: %s, Version: %s>", s.ServerID, s.ServerName, s.Version.String())
}

// Register 把节点写入 etcd 并启动续约循环。
func (s *Node) Register() error {
	if err := s.registerNode(); err != nil {
		s.Logger().Error("register failed", zap.Error(err))
		return err
	}
	s.registered.Store(true)
	s.wg.Add(1)
	go s.processKeepAliveResponse()
	return nil
}

func (s *Node) idKey() string {
	return path.Join(s.metaRoot, DefaultNodeRoot, DefaultIDKey)
}

func (s *Node) checkIDExist() error {
	_, err := s.etcdCli.Txn(s.ctx).If(
		clientv3.Compare(clientv3.Version(s.idKey()), "=", 0)).
		Then(clientv3.OpPut(s.idKey(), "1")).Commit()
	return err
}

// getServerID 以 CAS 的方式对自增键加一，返回加一之前的值。
func (s *Node) getServerID() (int64, error) {
	if v := os.Getenv(NodeIDForTesting); v != "" {
		log.Info("use node id for testing", zap.String("nodeID", v))
		return strconv.ParseInt(v, 10, 64)
	}
	log := log.Ctx(s.ctx)
	key := s.idKey()
	for {
		getResp, err := s.etcdCli.Get(s.ctx, key)
		if err != nil {
			log.Warn("node get etcd key error", zap.String("key", key), zap.Error(err))
			return -1, err
		}
		if getResp.Count <= 0 {
			log.Warn("node id key has no value", zap.String("key", key))
			if err := s.checkIDExist(); err != nil {
				return -1, err
			}
			continue
		}
		value := string(getResp.Kvs[0].Value)
		valueInt, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return -1, errors.Wrapf(err, "corrupted node id key %s", key)
		}
		txnResp, err := s.etcdCli.Txn(s.ctx).If(
			clientv3.Compare(clientv3.Value(key), "=", value)).
			Then(clientv3.OpPut(key, strconv.FormatInt(valueInt+1, 10))).Commit()
		if err != nil {
			log.Warn("node id txn failed", zap.String("key", key), zap.Error(err))
			return -1, err
		}
		if !txnResp.Succeeded {
			log.Debug("node id txn lost the race, retry", zap.String("key", key))
			continue
		}
		log.Debug("node get serverID success", zap.String("key", key), zap.Int64("serverID", valueInt))
		return valueInt, nil
	}
}

func (s *Node) completeKey() string {
	return path.Join(s.metaRoot, DefaultNodeRoot, fmt.Sprintf("%s-%d", s.ServerName, s.ServerID))
}

func (s *Node) registerNode() error {
	completeKey := s.completeKey()
	s.Logger().Info("node begin to register to etcd")

	registerFn := func() error {
		resp, err := s.etcdCli.Grant(s.ctx, s.ttl)
		if err != nil {
			s.Logger().Error("register node: failed to grant lease from etcd", zap.Error(err))
			return err
		}
		s.LeaseID = &resp.ID

		nodeJSON, err := json.Marshal(s)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		txnResp, err := s.etcdCli.Txn(s.ctx).If(
			clientv3.Compare(clientv3.Version(completeKey), "=", 0)).
			Then(clientv3.OpPut(completeKey, string(nodeJSON), clientv3.WithLease(resp.ID))).Commit()
		if err != nil {
			s.Logger().Warn("register on etcd error, check the availability of etcd", zap.Error(err))
			return err
		}
		if !txnResp.Succeeded {
			return fmt.Errorf("node key %s already exists", completeKey)
		}
		s.Logger().Info("node registered", zap.String("key", completeKey), zap.String("value", string(nodeJSON)))
		return nil
	}
	return retry.Do(s.ctx, registerFn, retry.Attempts(uint(s.retryTimes)))
}

// processKeepAliveResponse 为节点租约续约，续约通道关闭后按指数退避重建；
// 租约确认已丢失时把节点标记为 disconnected 并退出。退出时撤销租约。
func (s *Node) processKeepAliveResponse() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := s.etcdCli.Revoke(ctx, *s.LeaseID); err != nil {
			s.Logger().Warn("failed to revoke lease", zap.Error(err), zap.Int64("leaseID", int64(*s.LeaseID)))
		}
		s.wg.Done()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 100 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for {
		if s.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			interval := bo.NextBackOff()
			s.Logger().Warn("failed to keep alive, wait for retry...", zap.Error(lastErr), zap.Duration("nextBackoffInterval", interval))
			select {
			case <-time.After(interval):
			case <-s.ctx.Done():
				return
			}
		}

		ttlResp, err := s.etcdCli.TimeToLive(s.ctx, *s.LeaseID)
		if err != nil {
			lastErr = errors.Wrap(err, "failed to check TTL")
			continue
		}
		if ttlResp.TTL <= 0 {
			s.Logger().Error("node lease expired, node is no longer registered")
			s.disconnected.Store(true)
			return
		}

		ch, err := s.etcdCli.KeepAlive(s.ctx, *s.LeaseID)
		if err != nil {
			lastErr = errors.Wrap(err, "failed to keep alive")
			continue
		}
		// 阻塞直到续约通道关闭。
		for range ch {
		}
		lastErr = errors.New("keep alive channel closed")
		bo.Reset()
	}
}

// GetNodes 返回 etcd 中已注册的节点，r 非 nil 时只保留版本在范围内的节点。
// 返回的 revision 可用于 WatchNodes 以避免遗漏事件。
func (s *Node) GetNodes(ctx context.Context, r semver.Range) (map[string]*Node, int64, error) {
	res := make(map[string]*Node)
	prefix := path.Join(s.metaRoot, DefaultNodeRoot) + "/"
	resp, err := s.etcdCli.Get(ctx, prefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, err
	}
	for _, kv := range resp.Kvs {
		_, mapKey := path.Split(string(kv.Key))
		if mapKey == DefaultIDKey {
			continue
		}
		node := &Node{}
		if err := json.Unmarshal(kv.Value, node); err != nil {
			return nil, 0, err
		}
		if r != nil && !r(node.Version) {
			continue
		}
		res[mapKey] = node
	}
	return res, resp.Header.Revision, nil
}

// GoingStop 把节点标记为即将停止，其他节点据此不再把它视为可用。
func (s *Node) GoingStop() error {
	if s.etcdCli == nil || s.LeaseID == nil {
		return errors.New("the node hasn't been registered")
	}
	if s.Disconnected() {
		return errors.New("this node has disconnected")
	}

	s.Stopping = true
	nodeJSON, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = s.etcdCli.Put(s.ctx, s.completeKey(), string(nodeJSON), clientv3.WithLease(*s.LeaseID))
	return err
}

// Stop 停止续约并撤销租约。
func (s *Node) Stop() {
	log.Info("node stopping", zap.String("serverName", s.ServerName))
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Node) Registered() bool {
	return s.registered.Load()
}

func (s *Node) Disconnected() bool {
	return s.disconnected.Load()
}
