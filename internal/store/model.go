package store

// 用户在线状态，与 users.state 列的取值一致。
const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// 群成员角色。
const (
	RoleCreator = "creator"
	RoleNormal  = "normal"
)

// User 对应 users 表的一行；Password 为口令哈希，Salt 为十六进制盐值。
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Password string `json:"-"`
	Salt     string `json:"-"`
	State    string `json:"state"`
}

// Group 对应 allgroup 表的一行。
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"groupname"`
	Desc string `json:"groupdesc"`
}

// GroupMember 是带角色的群成员。
type GroupMember struct {
	User
	Role string `json:"role"`
}

// GroupWithMembers 是群组及其全部成员，登录应答使用。
type GroupWithMembers struct {
	Group
	Members []GroupMember `json:"users"`
}
