package chat

import (
	"regexp"
	"unicode/utf8"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

const (
	minUsernameLen  = 3
	maxUsernameLen  = 32
	minPasswordLen  = 6
	maxPasswordLen  = 64
	maxGroupNameLen = 50

	// DefaultMaxMessageLength 为单条聊天内容的默认上限，单位字节。
	DefaultMaxMessageLength = 4096
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func ValidateUsername(name string) error {
	if n := len(name); n < minUsernameLen || n > maxUsernameLen {
		return merr.WrapErrInvalidUsername(name, "length must be between 3 and 32")
	}
	if !usernamePattern.MatchString(name) {
		return merr.WrapErrInvalidUsername(name, "only letters, digits and underscore are allowed")
	}
	return nil
}

func ValidatePassword(pwd string) error {
	if n := len(pwd); n < minPasswordLen || n > maxPasswordLen {
		return merr.WrapErrInvalidPasswordFormat("length must be between 6 and 64")
	}
	return nil
}

// ValidateMessage 校验聊天内容，limit 为字节数上限。
func ValidateMessage(msg string, limit int) error {
	if msg == "" {
		return merr.ErrMessageEmpty
	}
	if len(msg) > limit {
		return merr.WrapErrMessageTooLong(len(msg), limit)
	}
	return nil
}

func ValidateUserID(id int64) error {
	if id <= 0 {
		return merr.WrapErrInvalidUserID(id)
	}
	return nil
}

func ValidateGroupID(id int64) error {
	if id <= 0 {
		return merr.WrapErrInvalidGroupID(id)
	}
	return nil
}

// ValidateGroupName 按字符数校验群名。
func ValidateGroupName(name string) error {
	if n := utf8.RuneCountInString(name); n < 1 || n > maxGroupNameLen {
		return merr.WrapErrInvalidGroupName(name, "group name must be 1 to 50 characters")
	}
	return nil
}
