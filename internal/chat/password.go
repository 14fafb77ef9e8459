package chat

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/argon2"
)

// argon2id 参数。
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword 生成随机盐并返回十六进制编码的口令哈希与盐。
func HashPassword(pwd string) (hash string, salt string, err error) {
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	salt = hex.EncodeToString(raw)
	return derive(pwd, raw), salt, nil
}

// VerifyPassword 以常量时间比较口令，盐格式错误时返回 false。
func VerifyPassword(pwd, hash, salt string) bool {
	raw, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derive(pwd, raw)), []byte(hash)) == 1
}

func derive(pwd string, salt []byte) string {
	return hex.EncodeToString(argon2.IDKey([]byte(pwd), salt, argonTime, argonMemory, argonThreads, argonKeyLen))
}
