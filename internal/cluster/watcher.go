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

package cluster

import (
	"context"
	"path"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
)

// NodeEventType 为节点变更类型。
type NodeEventType int

const (
	NodeNoneEvent NodeEventType = iota
	NodeAddEvent
	NodeDelEvent
	NodeUpdateEvent
)

func (t NodeEventType) String() string {
	switch t {
	case NodeAddEvent:
		return "NodeAddEvent"
	case NodeDelEvent:
		return "NodeDelEvent"
	case NodeUpdateEvent:
		return "NodeUpdateEvent"
	default:
		return ""
	}
}

// NodeEvent 表示其他节点的上下线或状态变更。
type NodeEvent struct {
	EventType NodeEventType
	Node      *Node
}

// Rewatch 在 watch 遇到 ErrCompacted 时被调用，参数为当前全部节点。
type Rewatch func(nodes map[string]*Node) error

// NodeWatcher 监听节点目录的变化。
type NodeWatcher struct {
	s         *Node
	cancel    context.CancelFunc
	rch       clientv3.WatchChan
	eventCh   chan *NodeEvent
	rewatch   Rewatch
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// WatchNodes 从 revision 开始监听节点目录，事件发送到 EventChannel。
func (s *Node) WatchNodes(revision int64, rewatch Rewatch) *NodeWatcher {
	ctx, cancel := context.WithCancel(s.ctx)
	w := &NodeWatcher{
		s:       s,
		cancel:  cancel,
		eventCh: make(chan *NodeEvent, 100),
		rewatch: rewatch,
	}
	w.rch = s.etcdCli.Watch(ctx, w.prefix(), clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithRev(revision))
	w.start(ctx)
	return w
}

func (w *NodeWatcher) prefix() string {
	return path.Join(w.s.metaRoot, DefaultNodeRoot) + "/"
}

func (w *NodeWatcher) EventChannel() <-chan *NodeEvent {
	return w.eventCh
}

func (w *NodeWatcher) closeEventCh() {
	w.closeOnce.Do(func() {
		close(w.eventCh)
	})
}

func (w *NodeWatcher) start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.closeEventCh()
		for {
			select {
			case <-ctx.Done():
				return
			case wresp, ok := <-w.rch:
				if !ok {
					log.Warn("node watch channel closed")
					return
				}
				if err := w.handleWatchResponse(ctx, wresp); err != nil {
					log.Warn("node watch stopped", zap.Error(err))
					return
				}
			}
		}
	}()
}

// Stop 停止监听并关闭事件通道。
func (w *NodeWatcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *NodeWatcher) handleWatchResponse(ctx context.Context, wresp clientv3.WatchResponse) error {
	if err := wresp.Err(); err != nil {
		return w.handleWatchErr(ctx, err)
	}
	for _, ev := range wresp.Events {
		if path.Base(string(ev.Kv.Key)) == DefaultIDKey {
			continue
		}
		node := &Node{}
		var eventType NodeEventType
		switch ev.Type {
		case mvccpb.PUT:
			if err := json.Unmarshal(ev.Kv.Value, node); err != nil {
				log.Warn("watch nodes: bad value", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				continue
			}
			eventType = NodeAddEvent
			if node.Stopping {
				eventType = NodeUpdateEvent
			}
		case mvccpb.DELETE:
			if ev.PrevKv == nil {
				continue
			}
			if err := json.Unmarshal(ev.PrevKv.Value, node); err != nil {
				log.Warn("watch nodes: bad value", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				continue
			}
			eventType = NodeDelEvent
		}
		select {
		case w.eventCh <- &NodeEvent{EventType: eventType, Node: node}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *NodeWatcher) handleWatchErr(ctx context.Context, err error) error {
	if err != v3rpc.ErrCompacted {
		return err
	}
	nodes, revision, err := w.s.GetNodes(ctx, nil)
	if err != nil {
		return err
	}
	if w.rewatch == nil {
		log.Warn("node watch compacted but no rewatch logic provided")
	} else if err := w.rewatch(nodes); err != nil {
		return err
	}
	w.rch = w.s.etcdCli.Watch(ctx, w.prefix(), clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithRev(revision+1))
	return nil
}
