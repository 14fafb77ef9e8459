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

package conc

import "github.com/cockroachdb/errors"

// Future 是一个异步任务的结果，Await 会阻塞直到任务结束。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

// Await 等待任务结束并返回结果。
func (future *Future[T]) Await() (T, error) {
	<-future.ch
	return future.value, future.err
}

func (future *Future[T]) Value() T {
	<-future.ch
	return future.value
}

// Done 非阻塞地判断任务是否已结束。
func (future *Future[T]) Done() bool {
	select {
	case <-future.ch:
		return true
	default:
		return false
	}
}

func (future *Future[T]) Err() error {
	<-future.ch
	return future.err
}

// Inner 返回任务结束时关闭的 channel，便于与其它事件一起 select。
func (future *Future[T]) Inner() <-chan struct{} {
	return future.ch
}

// Go 在新的 goroutine 中执行 fn，panic 被转换为错误。
func Go[T any](fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = errors.Newf("goroutine panicked: %v", x)
			}
		}()
		future.value, future.err = fn()
	}()
	return future
}

// AwaitAll 等待全部任务结束，返回第一个错误。
func AwaitAll[T any](futures ...*Future[T]) error {
	var firstErr error
	for _, future := range futures {
		if _, err := future.Await(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
