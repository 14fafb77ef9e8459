// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package typeutil

import (
	"sync"

	"github.com/samber/lo"
)

// ConcurrentSet 是读写锁保护的集合，桥接器用它记录本节点订阅的频道。
type ConcurrentSet[T comparable] struct {
	mu    sync.RWMutex
	items map[T]struct{}
}

func NewConcurrentSet[T comparable](items ...T) *ConcurrentSet[T] {
	set := &ConcurrentSet[T]{items: make(map[T]struct{}, len(items))}
	for _, item := range items {
		set.items[item] = struct{}{}
	}
	return set
}

// Insert 返回 true 表示元素此前不存在。
func (s *ConcurrentSet[T]) Insert(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item]; ok {
		return false
	}
	s.items[item] = struct{}{}
	return true
}

// Contain 要求所有给定元素都在集合中。
func (s *ConcurrentSet[T]) Contain(items ...T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range items {
		if _, ok := s.items[item]; !ok {
			return false
		}
	}
	return true
}

// TryRemove 返回 false 表示元素不存在。
func (s *ConcurrentSet[T]) TryRemove(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item]; !ok {
		return false
	}
	delete(s.items, item)
	return true
}

// Collect 返回当前元素的快照，顺序不确定。
func (s *ConcurrentSet[T]) Collect() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.items)
}

func (s *ConcurrentSet[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
