package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MessageFlag — битовая маска состояния строки сообщения.
// deleted ставится через OR, не перезаписывает new/edited.
type MessageFlag int

const (
	FlagNew     MessageFlag = 1 << 0
	FlagEdited  MessageFlag = 1 << 1
	FlagDeleted MessageFlag = 1 << 2
)

// InsertMessage создаёт новую строку сообщения. Правка — новая строка,
// существующая не мутируется (edits append new rows).
func (m *MySQL) InsertMessage(ctx context.Context, chatID, messageID, uid int64, text string, date time.Time, flag MessageFlag) (int64, error) {
	res, err := m.DB.ExecContext(ctx,
		`INSERT INTO messages (chat_id, message_id, user_id, text, ts, flag) VALUES (?, ?, ?, ?, ?, ?)`,
		chatID, messageID, uid, text, date.UTC().Unix(), int(flag))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkDeleted выставляет бит deleted в flag для (chat_id, message_id) самой
// свежей строки. ErrMessageNotFound сигнализирует гонку удаления со
// вставкой — Mark worker должен повторить попытку.
var ErrMessageNotFound = errors.New("store: message row not found")

func (m *MySQL) MarkDeleted(ctx context.Context, chatID, messageID int64) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE messages SET flag = flag | ? WHERE chat_id = ? AND message_id = ?
		 ORDER BY id DESC LIMIT 1`,
		int(FlagDeleted), chatID, messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// RewriteText переписывает text строки сообщения по её суррогатному id
// (используется OCR-координатором, C9, для записи результата распознавания).
func (m *MySQL) RewriteText(ctx context.Context, id int64, text string) error {
	_, err := m.DB.ExecContext(ctx, `UPDATE messages SET text = ? WHERE id = ?`, text, id)
	return err
}

// MessageText возвращает text и chat_id строки по суррогатному id.
func (m *MySQL) MessageText(ctx context.Context, id int64) (chatID int64, text string, err error) {
	err = m.DB.QueryRowContext(ctx, `SELECT chat_id, text FROM messages WHERE id = ?`, id).Scan(&chatID, &text)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrMessageNotFound
	}
	return chatID, text, err
}

// MinMessageID возвращает наименьший известный message_id для gid — точку
// отсчёта дозагрузки истории (C10).
func (m *MySQL) MinMessageID(ctx context.Context, chatID int64) (int64, error) {
	var id sql.NullInt64
	err := m.DB.QueryRowContext(ctx, `SELECT MIN(message_id) FROM messages WHERE chat_id = ?`, chatID).Scan(&id)
	if err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// --- Users ---

type User struct {
	UID       int64
	Username  sql.NullString
	FirstName sql.NullString
	LastName  sql.NullString
	Lang      sql.NullString
}

func (m *MySQL) GetUser(ctx context.Context, uid int64) (*User, error) {
	u := &User{}
	err := m.DB.QueryRowContext(ctx,
		`SELECT uid, username, first_name, last_name, lang FROM users WHERE uid = ?`, uid,
	).Scan(&u.UID, &u.Username, &u.FirstName, &u.LastName, &u.Lang)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (m *MySQL) UpsertUser(ctx context.Context, u User) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO users (uid, username, first_name, last_name, lang)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE username=VALUES(username), first_name=VALUES(first_name),
			last_name=VALUES(last_name), lang=VALUES(lang)`,
		u.UID, u.Username, u.FirstName, u.LastName, u.Lang)
	return err
}

// InsertUserHistory пишет append-only снимок. date=0 — синтетический снимок
// состояния до первого наблюдаемого изменения.
func (m *MySQL) InsertUserHistory(ctx context.Context, u User, date int64) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO user_history (uid, username, first_name, last_name, lang, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.UID, u.Username, u.FirstName, u.LastName, u.Lang, date)
	return err
}

// --- Groups ---

type Group struct {
	GID       int64
	Name      sql.NullString
	Link      sql.NullString
	MasterUID sql.NullInt64
}

func (m *MySQL) GetGroup(ctx context.Context, gid int64) (*Group, error) {
	g := &Group{}
	err := m.DB.QueryRowContext(ctx,
		`SELECT gid, name, link, master_uid FROM groups_ WHERE gid = ?`, gid,
	).Scan(&g.GID, &g.Name, &g.Link, &g.MasterUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (m *MySQL) UpsertGroup(ctx context.Context, g Group) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO groups_ (gid, name, link, master_uid)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name=VALUES(name), link=VALUES(link),
			master_uid=IF(groups_.master_uid IS NULL, VALUES(master_uid), groups_.master_uid)`,
		g.GID, g.Name, g.Link, g.MasterUID)
	return err
}

func (m *MySQL) InsertGroupHistory(ctx context.Context, g Group, date int64) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO group_history (gid, name, link, master_uid, ts)
		VALUES (?, ?, ?, ?, ?)`,
		g.GID, g.Name, g.Link, g.MasterUID, date)
	return err
}

// InsertGroupInvite persiste the decoded invite tuple (C7/C8 private path).
func (m *MySQL) InsertGroupInvite(ctx context.Context, inviteHash string, inviterUID, gid int64, nonce uint64, title string) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT IGNORE INTO group_invites (invite_hash, inviter_uid, gid, random_nonce, title)
		VALUES (?, ?, ?, ?, ?)`,
		inviteHash, inviterUID, gid, nonce, title)
	return err
}

func (m *MySQL) GroupInviteExists(ctx context.Context, inviteHash string) (bool, error) {
	var exists int
	err := m.DB.QueryRowContext(ctx, `SELECT 1 FROM group_invites WHERE invite_hash = ? LIMIT 1`, inviteHash).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// GroupsPendingBackfill lists the gids of every group with master_uid set —
// used by the periodic back-fill re-scan cron (C10 supplement). Groups whose
// history was already fetched to completion are not excluded.
func (m *MySQL) GroupsPendingBackfill(ctx context.Context) ([]int64, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT gid FROM groups_ WHERE master_uid IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var gid int64
		if err := rows.Scan(&gid); err != nil {
			return nil, err
		}
		out = append(out, gid)
	}
	return out, rows.Err()
}
