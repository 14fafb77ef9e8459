package chat

import (
	"github.com/lk2023060901/chat-garden-go/internal/store"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// 协议消息类型，与客户端约定，取值不可变更。
const (
	MsgLogin          = 1
	MsgReg            = 2
	MsgRegAck         = 3
	MsgLoginAck       = 4
	MsgOneChat        = 5
	MsgAddFriend      = 6
	MsgCreateGroup    = 7
	MsgAddGroup       = 8
	MsgGroupChat      = 9
	MsgLogout         = 10
	MsgLogoutAck      = 11
	MsgCreateGroupAck = 12
	MsgAddGroupAck    = 13
	MsgOneChatAck     = 14
	MsgHeartCheck     = 15
	MsgHeartCheckAck  = 16
	MsgAddFriendAck   = 19
	MsgChangePwd      = 20
	MsgChangePwdAck   = 21
)

type LoginRequest struct {
	MsgID    int    `json:"msgid"`
	ID       int64  `json:"id"`
	Password string `json:"pwd"`
}

type RegRequest struct {
	MsgID    int    `json:"msgid"`
	Name     string `json:"name"`
	Password string `json:"pwd"`
}

// ChatRequest 同时用于单聊与群聊，原始报文原样转发给接收方。
type ChatRequest struct {
	MsgID   int    `json:"msgid"`
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	ToID    int64  `json:"toid,omitempty"`
	GroupID int64  `json:"groupid,omitempty"`
	Msg     string `json:"msg"`
}

type AddFriendRequest struct {
	MsgID    int   `json:"msgid"`
	ID       int64 `json:"id"`
	FriendID int64 `json:"friendid"`
}

type CreateGroupRequest struct {
	MsgID     int    `json:"msgid"`
	ID        int64  `json:"id"`
	GroupName string `json:"groupname"`
	GroupDesc string `json:"groupdesc"`
}

type AddGroupRequest struct {
	MsgID   int   `json:"msgid"`
	ID      int64 `json:"id"`
	GroupID int64 `json:"groupid"`
}

type ChangePwdRequest struct {
	MsgID       int    `json:"msgid"`
	ID          int64  `json:"id"`
	OldPassword string `json:"oldpwd"`
	Password    string `json:"pwd"`
}

// IDRequest 用于只携带用户 id 的请求（注销、心跳）。
type IDRequest struct {
	MsgID int   `json:"msgid"`
	ID    int64 `json:"id"`
}

// Ack 是所有应答的公共部分，errno 为 0 表示成功。
type Ack struct {
	MsgID  int    `json:"msgid"`
	Errno  int32  `json:"errno"`
	ErrMsg string `json:"errmsg,omitempty"`
}

// newAck 按错误生成应答；输入类错误返回完整描述，系统类错误只返回通用描述。
func newAck(msgID int, err error) Ack {
	code, msg := merr.Status(err)
	return Ack{MsgID: msgID, Errno: code, ErrMsg: msg}
}

type LoginAck struct {
	Ack
	ID         int64                    `json:"id,omitempty"`
	Name       string                   `json:"name,omitempty"`
	Friends    []store.User             `json:"friends,omitempty"`
	Groups     []store.GroupWithMembers `json:"groups,omitempty"`
	OfflineMsg []string                 `json:"offlinemsg,omitempty"`
}

type RegAck struct {
	Ack
	ID int64 `json:"id,omitempty"`
}

type CreateGroupAck struct {
	Ack
	GroupID int64 `json:"groupid,omitempty"`
}
