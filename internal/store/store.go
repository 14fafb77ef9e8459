// Package store 是聊天服务的持久化适配层，所有访问都经由 db.Provider
// 借出的连接完成，唯一键与外键冲突被映射为 merr 中对应的业务错误。
package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/storage/db"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

type Store struct {
	p db.Provider
}

func New(p db.Provider) *Store {
	return &Store{p: p}
}

// QueryUserByID 按 id 查询用户，不存在时 found 为 false 且 err 为 nil。
func (s *Store) QueryUserByID(ctx context.Context, id int64) (user User, found bool, err error) {
	const q = `SELECT id, name, password, salt, state FROM users WHERE id = $1`

	err = s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		return conn.QueryRowContext(ctx, q, id).Scan(&user.ID, &user.Name, &user.Password, &user.Salt, &user.State)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, merr.WrapErrDatabaseQueryFailed("query user", err)
	}
	return user, true, nil
}

// InsertUser 写入新用户并返回自增 id。
func (s *Store) InsertUser(ctx context.Context, user User) (int64, error) {
	const q = `INSERT INTO users (name, password, salt, state) VALUES ($1, $2, $3, $4) RETURNING id`

	state := user.State
	if state == "" {
		state = StateOffline
	}
	var id int64
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		return conn.QueryRowContext(ctx, q, user.Name, user.Password, user.Salt, state).Scan(&id)
	})
	if isUniqueViolation(err) {
		return 0, merr.WrapErrUserAlreadyExists(user.Name)
	}
	if err != nil {
		return 0, merr.WrapErrDatabaseInsertFailed("insert user", err)
	}
	return id, nil
}

// UpdateUserState 无条件设置用户状态。
func (s *Store) UpdateUserState(ctx context.Context, id int64, state string) error {
	const q = `UPDATE users SET state = $1 WHERE id = $2`

	var affected int64
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		res, err := conn.ExecContext(ctx, q, state, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return merr.WrapErrDatabaseUpdateFailed("update user state", err)
	}
	if affected == 0 {
		return merr.WrapErrUserNotFound(id)
	}
	return nil
}

// UpdatePassword 替换用户的密码哈希与盐。
func (s *Store) UpdatePassword(ctx context.Context, id int64, hash, salt string) error {
	const q = `UPDATE users SET password = $1, salt = $2 WHERE id = $3`

	var affected int64
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		res, err := conn.ExecContext(ctx, q, hash, salt, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return merr.WrapErrDatabaseUpdateFailed("update password", err)
	}
	if affected == 0 {
		return merr.WrapErrUserNotFound(id)
	}
	return nil
}

// MarkOnline 以 offline→online 的条件更新抢占登录，返回是否抢占成功。
// 用户已在线（可能在其他节点）时返回 false。
func (s *Store) MarkOnline(ctx context.Context, id int64) (bool, error) {
	const q = `UPDATE users SET state = 'online' WHERE id = $1 AND state = 'offline'`

	var affected int64
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		res, err := conn.ExecContext(ctx, q, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, merr.WrapErrDatabaseUpdateFailed("mark online", err)
	}
	return affected == 1, nil
}

// ResetStates 把所有在线用户置为离线，返回受影响的行数。
func (s *Store) ResetStates(ctx context.Context) (int64, error) {
	const q = `UPDATE users SET state = 'offline' WHERE state = 'online'`

	var affected int64
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		res, err := conn.ExecContext(ctx, q)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, merr.WrapErrDatabaseUpdateFailed("reset states", err)
	}
	log.Ctx(ctx).Info("user states reset", zap.Int64("affected", affected))
	return affected, nil
}

// QueryFriends 返回 id 名下的好友，不含口令字段。
func (s *Store) QueryFriends(ctx context.Context, id int64) ([]User, error) {
	const q = `SELECT u.id, u.name, u.state
FROM users u
INNER JOIN friends f ON f.friendid = u.id
WHERE f.userid = $1
ORDER BY u.id`

	var friends []User
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		rows, err := conn.QueryContext(ctx, q, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Name, &u.State); err != nil {
				return err
			}
			friends = append(friends, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, merr.WrapErrDatabaseQueryFailed("query friends", err)
	}
	return friends, nil
}

// InsertFriendEdge 写入 userID→friendID 一条有向好友关系。
func (s *Store) InsertFriendEdge(ctx context.Context, userID, friendID int64) error {
	const q = `INSERT INTO friends (userid, friendid) VALUES ($1, $2)`

	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		_, err := conn.ExecContext(ctx, q, userID, friendID)
		return err
	})
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return merr.WrapErrFriendAlreadyExists(userID, friendID)
	case isForeignKeyViolation(err, "friendid"):
		return merr.WrapErrUserNotFound(friendID)
	case isForeignKeyViolation(err, ""):
		return merr.WrapErrUserNotFound(userID)
	default:
		return merr.WrapErrDatabaseInsertFailed("insert friend", err)
	}
}

// CreateGroup 在一个事务内创建群组并把 creatorID 加为创建者。
func (s *Store) CreateGroup(ctx context.Context, group Group, creatorID int64) (int64, error) {
	const (
		insertGroup  = `INSERT INTO allgroup (groupname, groupdesc) VALUES ($1, $2) RETURNING id`
		insertMember = `INSERT INTO groupuser (groupid, userid, grouprole) VALUES ($1, $2, $3)`
	)

	var id int64
	err := s.p.WithTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		if err := tx.QueryRowContext(ctx, insertGroup, group.Name, group.Desc).Scan(&id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insertMember, id, creatorID, RoleCreator)
		return err
	})
	switch {
	case err == nil:
		return id, nil
	case isUniqueViolation(err):
		return 0, merr.WrapErrGroupAlreadyExists(group.Name)
	case isForeignKeyViolation(err, "userid"):
		return 0, merr.WrapErrUserNotFound(creatorID)
	default:
		return 0, merr.WrapErrDatabaseInsertFailed("create group", err)
	}
}

// AddMembership 把 userID 以 role 身份加入群组。
func (s *Store) AddMembership(ctx context.Context, userID, groupID int64, role string) error {
	const q = `INSERT INTO groupuser (groupid, userid, grouprole) VALUES ($1, $2, $3)`

	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		_, err := conn.ExecContext(ctx, q, groupID, userID, role)
		return err
	})
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return merr.WrapErrAlreadyGroupMember(userID, groupID)
	case isForeignKeyViolation(err, "groupid"):
		return merr.WrapErrGroupNotFound(groupID)
	case isForeignKeyViolation(err, ""):
		return merr.WrapErrUserNotFound(userID)
	default:
		return merr.WrapErrDatabaseInsertFailed("add membership", err)
	}
}

// QueryGroups 返回 userID 所在的全部群组及各群成员。
func (s *Store) QueryGroups(ctx context.Context, userID int64) ([]GroupWithMembers, error) {
	const (
		groupsQuery = `SELECT g.id, g.groupname, g.groupdesc
FROM allgroup g
INNER JOIN groupuser gu ON gu.groupid = g.id
WHERE gu.userid = $1
ORDER BY g.id`
		membersQuery = `SELECT gu.groupid, u.id, u.name, u.state, gu.grouprole
FROM users u
INNER JOIN groupuser gu ON gu.userid = u.id
WHERE gu.groupid IN (SELECT groupid FROM groupuser WHERE userid = $1)
ORDER BY gu.groupid, u.id`
	)

	var groups []GroupWithMembers
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		rows, err := conn.QueryContext(ctx, groupsQuery, userID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var g GroupWithMembers
			if err := rows.Scan(&g.ID, &g.Name, &g.Desc); err != nil {
				rows.Close()
				return err
			}
			groups = append(groups, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(groups) == 0 {
			return nil
		}

		index := lo.SliceToMap(lo.Range(len(groups)), func(i int) (int64, int) {
			return groups[i].ID, i
		})
		rows, err = conn.QueryContext(ctx, membersQuery, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				groupID int64
				m       GroupMember
			)
			if err := rows.Scan(&groupID, &m.ID, &m.Name, &m.State, &m.Role); err != nil {
				return err
			}
			if i, ok := index[groupID]; ok {
				groups[i].Members = append(groups[i].Members, m)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, merr.WrapErrDatabaseQueryFailed("query groups", err)
	}
	return groups, nil
}

// QueryGroupMemberIDs 返回群内除 excluding 以外的成员 id。
func (s *Store) QueryGroupMemberIDs(ctx context.Context, groupID, excluding int64) ([]int64, error) {
	const q = `SELECT userid FROM groupuser WHERE groupid = $1 AND userid <> $2 ORDER BY userid`

	var ids []int64
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		rows, err := conn.QueryContext(ctx, q, groupID, excluding)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, merr.WrapErrDatabaseQueryFailed("query group members", err)
	}
	return ids, nil
}

// QueryOfflineMessages 按写入顺序返回 id 的离线消息。
func (s *Store) QueryOfflineMessages(ctx context.Context, id int64) ([]string, error) {
	var msgs []string
	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		var err error
		msgs, _, err = selectOfflineMessages(ctx, conn, id, false)
		return err
	})
	if err != nil {
		return nil, merr.WrapErrDatabaseQueryFailed("query offline messages", err)
	}
	return msgs, nil
}

// DeleteOfflineMessages 删除 id 的全部离线消息。
func (s *Store) DeleteOfflineMessages(ctx context.Context, id int64) error {
	const q = `DELETE FROM offline_messages WHERE userid = $1`

	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		_, err := conn.ExecContext(ctx, q, id)
		return err
	})
	return merr.WrapErrDatabaseDeleteFailed("delete offline messages", err)
}

// TakeOfflineMessages 在一个事务内读出并删除 id 的离线消息。
// 只删除读到的那些，读之后并发写入的消息留给下一次。
func (s *Store) TakeOfflineMessages(ctx context.Context, id int64) ([]string, error) {
	const q = `DELETE FROM offline_messages WHERE userid = $1 AND id <= $2`

	var msgs []string
	err := s.p.WithTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		var (
			lastID int64
			err    error
		)
		msgs, lastID, err = selectOfflineMessages(ctx, tx, id, true)
		if err != nil || len(msgs) == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, q, id, lastID)
		return err
	})
	if err != nil {
		return nil, merr.WrapErrDatabaseDeleteFailed("take offline messages", err)
	}
	return msgs, nil
}

// InsertOfflineMessage 为 id 追加一条离线消息。
func (s *Store) InsertOfflineMessage(ctx context.Context, id int64, payload string) error {
	const q = `INSERT INTO offline_messages (userid, message) VALUES ($1, $2)`

	err := s.p.WithConn(ctx, func(ctx context.Context, conn db.DBTX) error {
		_, err := conn.ExecContext(ctx, q, id, payload)
		return err
	})
	switch {
	case err == nil:
		return nil
	case isForeignKeyViolation(err, ""):
		return merr.WrapErrUserNotFound(id)
	default:
		return merr.WrapErrDatabaseInsertFailed("insert offline message", err)
	}
}

func selectOfflineMessages(ctx context.Context, q db.DBTX, id int64, forUpdate bool) ([]string, int64, error) {
	query := `SELECT id, message FROM offline_messages WHERE userid = $1 ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		msgs   []string
		lastID int64
	)
	for rows.Next() {
		var msg string
		if err := rows.Scan(&lastID, &msg); err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, lastID, rows.Err()
}
