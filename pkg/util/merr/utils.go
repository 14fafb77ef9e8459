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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Code 返回 err 链上 chatError 的错误码，nil 返回 0。
// ctx 取消和超时各有专门的错误码，其他未知错误都归为 errUnexpected。
func Code(err error) int32 {
	if err == nil {
		return 0
	}
	if cerr, ok := find(err); ok {
		return cerr.errCode
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CanceledCode
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutCode
	}
	return errUnexpected.errCode
}

func find(err error) (chatError, bool) {
	var cerr chatError
	ok := errors.As(err, &cerr)
	return cerr, ok
}

// IsRetryableErr 报告 err 是否值得稍后重试，例如连接池暂时耗尽。
func IsRetryableErr(err error) bool {
	cerr, ok := find(err)
	return ok && cerr.retriable
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func GetErrorType(err error) ErrorType {
	if cerr, ok := find(err); ok {
		return cerr.errType
	}
	return SystemError
}

// Status 把 err 转换成应答里的 errno 和 errmsg，nil 返回 (0, "")。
// 输入类错误原样带回字段，系统类错误只给出通用描述，细节留在服务端日志里。
func Status(err error) (int32, string) {
	if err == nil {
		return 0, ""
	}
	cerr, ok := find(err)
	switch {
	case !ok:
		return Code(err), errUnexpected.base
	case cerr.errType == InputError:
		return cerr.errCode, cerr.msg
	default:
		return cerr.errCode, cerr.base
	}
}

// annotate 把 kv 以 [k=v] 的形式追加到错误信息后，kv 必须成对出现。
func annotate(base chatError, kv ...any) chatError {
	var sb strings.Builder
	sb.WriteString(base.msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&sb, "[%v=%v]", kv[i], kv[i+1])
	}
	base.msg = sb.String()
	return base
}

// because 在 annotate 的基础上附带底层错误，cause 为 nil 时返回 nil。
// 错误码由本包决定，cause 仍可通过 errors.Is/As 取到。
func because(base chatError, cause error, kv ...any) error {
	if cause == nil {
		return nil
	}
	return causeError{chatError: withDesc(base, cause.Error(), kv...), cause: cause}
}

func describe(base chatError, desc string, kv ...any) error {
	return withDesc(base, desc, kv...)
}

func withDesc(base chatError, desc string, kv ...any) chatError {
	cerr := annotate(base, kv...)
	cerr.msg += ": " + desc
	return cerr
}

// User

func WrapErrUserNotFound(id int64) error {
	return annotate(ErrUserNotFound, "user", id)
}

func WrapErrUserAlreadyExists(name string) error {
	return annotate(ErrUserAlreadyExists, "name", name)
}

func WrapErrInvalidPassword(id int64) error {
	return annotate(ErrInvalidPassword, "user", id)
}

func WrapErrUserAlreadyOnline(id int64) error {
	return annotate(ErrUserAlreadyOnline, "user", id)
}

// Friend

func WrapErrFriendAlreadyExists(userID, friendID int64) error {
	return annotate(ErrFriendAlreadyExists, "user", userID, "friend", friendID)
}

func WrapErrCannotAddSelf(userID int64) error {
	return annotate(ErrCannotAddSelf, "user", userID)
}

// Group

func WrapErrGroupNotFound(groupID int64) error {
	return annotate(ErrGroupNotFound, "group", groupID)
}

func WrapErrGroupAlreadyExists(name string) error {
	return annotate(ErrGroupAlreadyExists, "name", name)
}

func WrapErrAlreadyGroupMember(userID, groupID int64) error {
	return annotate(ErrAlreadyGroupMember, "user", userID, "group", groupID)
}

// WrapErrMessageTooLong 记录实际长度与允许的上限。
func WrapErrMessageTooLong(length, limit int) error {
	return describe(ErrMessageTooLong, fmt.Sprintf("%d bytes exceeds limit %d", length, limit))
}

// Database

func WrapErrDatabaseConnectionFailed(err error) error {
	return because(ErrDatabaseConnectionFailed, err)
}

func WrapErrDatabaseQueryFailed(op string, err error) error {
	return because(ErrDatabaseQueryFailed, err, "op", op)
}

func WrapErrDatabaseInsertFailed(op string, err error) error {
	return because(ErrDatabaseInsertFailed, err, "op", op)
}

func WrapErrDatabaseUpdateFailed(op string, err error) error {
	return because(ErrDatabaseUpdateFailed, err, "op", op)
}

func WrapErrDatabaseDeleteFailed(op string, err error) error {
	return because(ErrDatabaseDeleteFailed, err, "op", op)
}

// Pool

func WrapErrPoolExhausted(waited time.Duration, live int) error {
	return annotate(ErrPoolExhausted, "waited", waited, "live", live)
}

// WrapErrPoolUnhealthy 带上最后一次建连失败的原因。
func WrapErrPoolUnhealthy(initSize int, lastErr error) error {
	desc := "no connection could be established"
	if lastErr != nil {
		desc = lastErr.Error()
	}
	return describe(ErrPoolUnhealthy, desc, "initsize", initSize)
}

// Network

func WrapErrNetworkTimeout(addr string, timeout time.Duration) error {
	return annotate(ErrNetworkTimeout, "addr", addr, "timeout", timeout)
}

func WrapErrNetworkSendFailed(sessionID uint64, reason string) error {
	return describe(ErrNetworkSendFailed, reason, "session", sessionID)
}

// Bridge

func WrapErrBridgeConnectionFailed(endpoints []string, err error) error {
	return because(ErrBridgeConnectionFailed, err, "endpoints", strings.Join(endpoints, ","))
}

func WrapErrBridgePublishFailed(channel int64, err error) error {
	return because(ErrBridgePublishFailed, err, "channel", channel)
}

func WrapErrBridgeSubscribeFailed(channel int64, err error) error {
	return because(ErrBridgeSubscribeFailed, err, "channel", channel)
}

// Protocol

func WrapErrJSONParse(err error) error {
	return because(ErrJSONParse, err)
}

func WrapErrInvalidMessageType(msgID int) error {
	return annotate(ErrInvalidMessageType, "msgid", msgID)
}

// WrapErrNotAuthenticated 表示请求里声明的用户与连接上绑定的用户不一致。
func WrapErrNotAuthenticated(claimed, bound int64) error {
	return annotate(ErrNotAuthenticated, "claimed", claimed, "bound", bound)
}

// Parameter

func WrapErrInvalidUsername(name, reason string) error {
	return describe(ErrInvalidUsername, reason, "name", name)
}

func WrapErrInvalidPasswordFormat(reason string) error {
	return describe(ErrInvalidPasswordFormat, reason)
}

func WrapErrInvalidMessage(reason string) error {
	return describe(ErrInvalidMessage, reason)
}

func WrapErrInvalidUserID(id int64) error {
	return annotate(ErrInvalidUserID, "id", id)
}

func WrapErrInvalidGroupID(id int64) error {
	return annotate(ErrInvalidGroupID, "id", id)
}

func WrapErrInvalidGroupName(name, reason string) error {
	return describe(ErrInvalidGroupName, reason, "name", name)
}
