package store

import (
	"database/sql"
	"time"

	"chatrelay/auth"
	"chatrelay/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default Store backed by a single sqlite3 file.
type SQLite struct {
	conn   *sql.DB
	hasher auth.Hasher
}

func NewSQLite(path string, hasher auth.Hasher) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &SQLite{conn: conn, hasher: hasher}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			file_type TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			sent_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			name TEXT PRIMARY KEY,
			creator TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_name TEXT NOT NULL,
			username TEXT NOT NULL,
			UNIQUE(group_name, username)
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller TEXT NOT NULL,
			callee TEXT NOT NULL,
			call_type TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			duration INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(type, sender, receiver, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(type, receiver, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_files_name ON files(filename, sender)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members ON group_members(group_name)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// User methods

func (s *SQLite) CreateUser(username, password string) error {
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	_, err = s.conn.Exec(
		"INSERT INTO users (username, password, online, last_seen) VALUES (?, ?, 0, ?)",
		username, hashed, now(),
	)
	return err
}

func (s *SQLite) UserExists(username string) (bool, error) {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLite) VerifyUser(username, password string) (bool, error) {
	var hashed string
	err := s.conn.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&hashed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return s.hasher.Verify(password, hashed), nil
}

func (s *SQLite) ResetPassword(username, newPassword string) error {
	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	result, err := s.conn.Exec("UPDATE users SET password = ? WHERE username = ?", hashed, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (s *SQLite) SetOnline(username string, online bool) error {
	state := 0
	if online {
		state = 1
	}
	_, err := s.conn.Exec(
		"UPDATE users SET online = ?, last_seen = ? WHERE username = ?",
		state, now(), username,
	)
	return err
}

// EnsureSystemUser creates the SERVER user that system rows reference.
func (s *SQLite) EnsureSystemUser() error {
	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO users (username, password, online, last_seen) VALUES (?, 'SYSTEM', 1, ?)",
		models.SystemUser, now(),
	)
	return err
}

// Message methods

func (s *SQLite) SaveMessage(m models.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := s.conn.Exec(
		"INSERT INTO messages (type, sender, receiver, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		m.Type, m.Sender, m.Receiver, m.Content, m.Timestamp.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SQLite) LoadHistory(kind, requester, target string, limit int) ([]models.Message, error) {
	var rows *sql.Rows
	var err error

	// Берем последние limit строк, затем разворачиваем в прямой порядок
	if kind == models.MsgPrivate {
		rows, err = s.conn.Query(`
			SELECT id, type, sender, receiver, content, timestamp FROM messages
			WHERE type = ? AND ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))
			ORDER BY timestamp DESC, id DESC LIMIT ?`,
			kind, requester, target, target, requester, limit)
	} else {
		rows, err = s.conn.Query(`
			SELECT id, type, sender, receiver, content, timestamp FROM messages
			WHERE type = ? AND receiver = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?`,
			kind, target, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Type, &m.Sender, &m.Receiver, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// File methods

func (s *SQLite) SaveFile(f models.FileMeta) error {
	if f.SentAt.IsZero() {
		f.SentAt = time.Now().UTC()
	}

	// Если байты пришли раньше анонса, существует строка-заготовка с путем,
	// но без получателя — дозаполняем ее вместо вставки
	result, err := s.conn.Exec(`
		UPDATE files SET receiver = ?, size = ?, file_type = ?, sent_at = ?
		WHERE id = (
			SELECT id FROM files
			WHERE filename = ? AND sender = ? AND receiver = ''
			ORDER BY id DESC LIMIT 1
		)`,
		f.Receiver, f.Size, f.FileType, f.SentAt.UTC().Format(time.RFC3339),
		f.Filename, f.Sender)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

	_, err = s.conn.Exec(
		"INSERT INTO files (filename, sender, receiver, size, file_type, path, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		f.Filename, f.Sender, f.Receiver, f.Size, f.FileType, f.Path, f.SentAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SQLite) LoadFiles(kind, requester, target string, limit int) ([]models.FileMeta, error) {
	var rows *sql.Rows
	var err error

	if kind == models.MsgPrivate {
		rows, err = s.conn.Query(`
			SELECT id, filename, sender, receiver, size, file_type, path, sent_at FROM files
			WHERE ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))
			ORDER BY sent_at DESC, id DESC LIMIT ?`,
			requester, target, target, requester, limit)
	} else {
		rows, err = s.conn.Query(`
			SELECT id, filename, sender, receiver, size, file_type, path, sent_at FROM files
			WHERE receiver = ?
			ORDER BY sent_at DESC, id DESC LIMIT ?`,
			target, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.FileMeta
	for rows.Next() {
		var f models.FileMeta
		var ts string
		if err := rows.Scan(&f.ID, &f.Filename, &f.Sender, &f.Receiver, &f.Size, &f.FileType, &f.Path, &ts); err != nil {
			return nil, err
		}
		f.SentAt, _ = time.Parse(time.RFC3339, ts)
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}
	return files, nil
}

func (s *SQLite) UpdateFilePath(filename, sender, path string) error {
	result, err := s.conn.Exec(`
		UPDATE files SET path = ?
		WHERE id = (
			SELECT id FROM files
			WHERE filename = ? AND sender = ?
			ORDER BY id DESC LIMIT 1
		)`,
		path, filename, sender)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

	// Анонс еще не пришел — оставляем заготовку, SaveFile ее дозаполнит
	_, err = s.conn.Exec(
		"INSERT INTO files (filename, sender, receiver, path, sent_at) VALUES (?, ?, '', ?, ?)",
		filename, sender, path, now(),
	)
	return err
}

func (s *SQLite) FilePath(filename string) (string, error) {
	var path string
	err := s.conn.QueryRow(
		"SELECT path FROM files WHERE filename = ? AND path != '' ORDER BY id DESC LIMIT 1",
		filename,
	).Scan(&path)
	if err == sql.ErrNoRows {
		return "", ErrNoRows
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// Group methods

func (s *SQLite) UpsertGroup(name, creator string) error {
	_, err := s.conn.Exec("INSERT OR IGNORE INTO chat_groups (name, creator) VALUES (?, ?)", name, creator)
	return err
}

func (s *SQLite) AddGroupMember(group, username string) error {
	_, err := s.conn.Exec("INSERT OR IGNORE INTO group_members (group_name, username) VALUES (?, ?)", group, username)
	return err
}

func (s *SQLite) RemoveGroupMember(group, username string) error {
	_, err := s.conn.Exec("DELETE FROM group_members WHERE group_name = ? AND username = ?", group, username)
	return err
}

func (s *SQLite) DissolveGroup(name string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM group_members WHERE group_name = ?", name); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE type = ? AND receiver = ?", models.MsgGroup, name); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM chat_groups WHERE name = ?", name); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLite) LoadAllGroups() ([]models.Group, error) {
	rows, err := s.conn.Query("SELECT name, creator FROM chat_groups")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*models.Group)
	var order []string
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.Name, &g.Creator); err != nil {
			return nil, err
		}
		byName[g.Name] = &g
		order = append(order, g.Name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := s.conn.Query("SELECT group_name, username FROM group_members")
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var group, username string
		if err := memberRows.Scan(&group, &username); err != nil {
			return nil, err
		}
		if g, ok := byName[group]; ok {
			g.Members = append(g.Members, username)
		}
	}
	if err := memberRows.Err(); err != nil {
		return nil, err
	}

	groups := make([]models.Group, 0, len(order))
	for _, name := range order {
		groups = append(groups, *byName[name])
	}
	return groups, nil
}

// Call methods

func (s *SQLite) RecordCall(c models.Call) (int64, error) {
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	result, err := s.conn.Exec(
		"INSERT INTO calls (caller, callee, call_type, status, start_time) VALUES (?, ?, ?, ?, ?)",
		c.Caller, c.Callee, c.CallType, c.Status, c.StartedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLite) UpdateCallStatus(id int64, status string, duration int64) error {
	_, err := s.conn.Exec(
		"UPDATE calls SET status = ?, duration = ?, end_time = ? WHERE id = ?",
		status, duration, now(), id,
	)
	return err
}

func (s *SQLite) CallParties(id int64) (string, string, error) {
	var caller, callee string
	err := s.conn.QueryRow("SELECT caller, callee FROM calls WHERE id = ?", id).Scan(&caller, &callee)
	if err == sql.ErrNoRows {
		return "", "", ErrNoRows
	}
	if err != nil {
		return "", "", err
	}
	return caller, callee, nil
}
