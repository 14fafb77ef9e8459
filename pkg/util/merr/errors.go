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

package merr

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

func (t ErrorType) String() string {
	if t == InputError {
		return "input_error"
	}
	return "system_error"
}

// 叶子错误定义在这里，错误码与客户端协议中的 errno 一一对应，不可复用。
// 新增前先确认下面已有的错误是否可用。
// 命名：Err + 领域前缀 + 错误名
var (
	// User related
	ErrUserNotFound      = newChatError("user not found", 1001, false, WithErrorType(InputError))
	ErrUserAlreadyExists = newChatError("user already exists", 1002, false, WithErrorType(InputError))
	ErrInvalidPassword   = newChatError("invalid password", 1003, false, WithErrorType(InputError))
	ErrUserAlreadyOnline = newChatError("user already online", 1004, false, WithErrorType(InputError))

	// Friend related
	ErrFriendAlreadyExists = newChatError("friend already exists", 2001, false, WithErrorType(InputError))
	ErrFriendNotFound      = newChatError("friend not found", 2002, false, WithErrorType(InputError))
	ErrCannotAddSelf       = newChatError("cannot add self as friend", 2003, false, WithErrorType(InputError))
	ErrFriendRequestFailed = newChatError("friend request failed", 2004, false)

	// Group related
	ErrGroupNotFound         = newChatError("group not found", 3001, false, WithErrorType(InputError))
	ErrGroupAlreadyExists    = newChatError("group already exists", 3002, false, WithErrorType(InputError))
	ErrAlreadyGroupMember    = newChatError("already a group member", 3003, false, WithErrorType(InputError))
	ErrNotGroupMember        = newChatError("not a group member", 3004, false, WithErrorType(InputError))
	ErrGroupPermissionDenied = newChatError("group permission denied", 3005, false, WithErrorType(InputError))

	// Message related
	ErrMessageTooLong = newChatError("message too long", 4001, false, WithErrorType(InputError))
	ErrMessageEmpty   = newChatError("message empty", 4002, false, WithErrorType(InputError))

	// Database & pool related
	ErrDatabaseConnectionFailed = newChatError("database connection failed", 5001, true)
	ErrDatabaseQueryFailed      = newChatError("database query failed", 5002, false)
	ErrDatabaseInsertFailed     = newChatError("database insert failed", 5003, false)
	ErrDatabaseUpdateFailed     = newChatError("database update failed", 5004, false)
	ErrDatabaseDeleteFailed     = newChatError("database delete failed", 5005, false)
	ErrPoolExhausted            = newChatError("connection pool exhausted", 5006, true)
	ErrPoolUnhealthy            = newChatError("connection pool unhealthy", 5007, true)
	ErrPoolClosed               = newChatError("connection pool closed", 5008, false)

	// Network related
	ErrNetworkConnectionFailed = newChatError("network connection failed", 6001, true)
	ErrNetworkTimeout          = newChatError("network timeout", 6002, true)
	ErrNetworkSendFailed       = newChatError("network send failed", 6003, false)
	ErrNetworkReceiveFailed    = newChatError("network receive failed", 6004, false)

	// Presence bridge related
	ErrBridgeConnectionFailed = newChatError("bridge connection failed", 7001, true)
	ErrBridgePublishFailed    = newChatError("bridge publish failed", 7002, true)
	ErrBridgeSubscribeFailed  = newChatError("bridge subscribe failed", 7003, true)
	ErrBridgeClosed           = newChatError("bridge closed", 7004, false)

	// Protocol related
	ErrJSONParse          = newChatError("json parse error", 8001, false, WithErrorType(InputError))
	ErrInvalidMessageType = newChatError("invalid message type", 8002, false, WithErrorType(InputError))
	ErrNotAuthenticated   = newChatError("not authenticated", 8003, false, WithErrorType(InputError))

	// Parameter related
	ErrInvalidUsername       = newChatError("invalid username", 9001, false, WithErrorType(InputError))
	ErrInvalidPasswordFormat = newChatError("invalid password format", 9002, false, WithErrorType(InputError))
	ErrInvalidMessage        = newChatError("invalid message", 9003, false, WithErrorType(InputError))
	ErrInvalidUserID         = newChatError("invalid user id", 9004, false, WithErrorType(InputError))
	ErrInvalidGroupID        = newChatError("invalid group id", 9005, false, WithErrorType(InputError))
	ErrInvalidGroupName      = newChatError("invalid group name", 9006, false, WithErrorType(InputError))

	// 不导出，仅用于把未知错误转换成 chatError
	errUnexpected = newChatError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*chatError)

// WithErrorType 标记错误的归属方，输入类错误的完整信息会回给客户端。
func WithErrorType(t ErrorType) errorOption {
	return func(e *chatError) { e.errType = t }
}

// chatError 按值传递，Wrap 系列函数在副本上追加字段，不会改动包级哨兵。
type chatError struct {
	// base 是不带字段的原始描述，系统类错误只把它回给客户端。
	base      string
	msg       string
	errCode   int32
	errType   ErrorType
	retriable bool
}

func newChatError(msg string, code int32, retriable bool, opts ...errorOption) chatError {
	e := chatError{base: msg, msg: msg, errCode: code, retriable: retriable}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e chatError) Error() string { return e.msg }

// Is 只比较错误码。
func (e chatError) Is(target error) bool {
	other, ok := find(target)
	return ok && other.errCode == e.errCode
}

// causeError 在 chatError 之外保留底层错误链，errors.Is 可以同时匹配两者。
// 错误码和描述仍由 chatError 决定。
type causeError struct {
	chatError
	cause error
}

func (e causeError) Unwrap() error { return e.cause }

func (e causeError) As(target any) bool {
	if p, ok := target.(*chatError); ok {
		*p = e.chatError
		return true
	}
	return false
}

// multiErrors 的 cause 是最后一个错误，Code 因此取最后一个错误的错误码。
type multiErrors []error

func (m multiErrors) Unwrap() error {
	switch len(m) {
	case 0, 1:
		return nil
	case 2:
		return m[1]
	}
	return m[1:]
}

func (m multiErrors) Error() string {
	msgs := lo.Map(m, func(err error, _ int) string { return err.Error() })
	return strings.Join(msgs, ": ")
}

func (m multiErrors) Is(target error) bool {
	return lo.ContainsBy(m, func(err error) bool { return errors.Is(err, target) })
}

// Combine 合并多个错误并忽略其中的 nil，全为 nil 时返回 nil。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors(errs)
}
