package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameUser      = "userID"
	FieldNameSession   = "sessionID"
	FieldNameMsgID     = "msgid"
)

func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldUser 返回用户 id 字段。
func FieldUser(userID int64) zap.Field {
	return zap.Int64(FieldNameUser, userID)
}

// FieldSession 返回连接 id 字段。
func FieldSession(sessionID uint64) zap.Field {
	return zap.Uint64(FieldNameSession, sessionID)
}

// FieldMsgID 返回协议消息类型字段。
func FieldMsgID(msgID int) zap.Field {
	return zap.Int(FieldNameMsgID, msgID)
}
