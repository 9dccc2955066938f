package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pigeon/internal/models"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

const currentSchemaVersion = 1

type Database struct {
	*sql.DB
}

func New(dataSourceName string) (*Database, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4) // SQLite is single-writer; more connections waste FDs and increase lock contention
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Database{db}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := createTablesInTx(tx); err != nil {
			return err
		}
		if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func createTablesInTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS contacts (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL,
			PRIMARY KEY (user_id, contact_id)
		);

		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			dialog INTEGER NOT NULL DEFAULT 0,
			invite_link TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS chat_members (
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			pos INTEGER NOT NULL,
			PRIMARY KEY (chat_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			chat_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_login TEXT NOT NULL,
			body TEXT NOT NULL,
			attachments TEXT,
			preview TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS reactions (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			code TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (message_id, code, user_id)
		);

		CREATE TABLE IF NOT EXISTS alarms (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			time INTEGER NOT NULL,
			delta INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);
		CREATE INDEX IF NOT EXISTS idx_chats_invite_link ON chats(invite_link);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
		CREATE INDEX IF NOT EXISTS idx_alarms_user ON alarms(user_id);
	`)
	return err
}

// EnsureUser upserts the identity delivered by the session collaborator
// at connect time. The login is refreshed on every connect so renames
// propagate, but message history keeps its sender-login snapshots.
func (db *Database) EnsureUser(id, login string) error {
	_, err := db.Exec(
		"INSERT INTO users (id, login) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET login = excluded.login",
		id, login,
	)
	return err
}

func (db *Database) GetUser(id string) (*models.User, error) {
	user := &models.User{}
	err := db.QueryRow(
		"SELECT id, login, avatar FROM users WHERE id = ?", id,
	).Scan(&user.ID, &user.Login, &user.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUsers resolves ids preserving the order they were asked for, which
// drives derived group-chat names. Missing ids are skipped.
func (db *Database) GetUsers(ids []string) ([]models.User, error) {
	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		user, err := db.GetUser(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, nil
}

func (db *Database) SetUserAvatar(id, avatar string) error {
	_, err := db.Exec("UPDATE users SET avatar = ? WHERE id = ?", avatar, id)
	return err
}

func (db *Database) DeleteUser(id string) error {
	_, err := db.Exec("DELETE FROM users WHERE id = ?", id)
	return err
}

func (db *Database) SearchUsersByLogin(login string) ([]models.User, error) {
	rows, err := db.Query(
		"SELECT id, login, avatar FROM users WHERE login LIKE '%' || ? || '%' COLLATE NOCASE ORDER BY login",
		login,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Login, &user.Avatar); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (db *Database) AddContact(userID, contactID string) error {
	_, err := db.Exec(
		"INSERT OR IGNORE INTO contacts (user_id, contact_id) VALUES (?, ?)",
		userID, contactID,
	)
	return err
}

func (db *Database) HasContact(userID, contactID string) (bool, error) {
	var one int
	err := db.QueryRow(
		"SELECT 1 FROM contacts WHERE user_id = ? AND contact_id = ?",
		userID, contactID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *Database) GetContactIDs(userID string) ([]string, error) {
	rows, err := db.Query("SELECT contact_id FROM contacts WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateChat inserts the chat record and its initial member set in one
// transaction; member positions preserve the given order.
func (db *Database) CreateChat(chat *models.Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO chats (id, name, dialog, invite_link, avatar, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		chat.ID, chat.Name, boolToInt(chat.Dialog), chat.InviteLink, chat.Avatar, chat.CreatedAt,
	); err != nil {
		return err
	}

	for pos, userID := range chat.Members {
		if _, err := tx.Exec(
			"INSERT INTO chat_members (chat_id, user_id, pos) VALUES (?, ?, ?)",
			chat.ID, userID, pos,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *Database) GetChat(id string) (*models.Chat, error) {
	return db.getChatWhere("id = ?", id)
}

func (db *Database) GetChatByInviteLink(link string) (*models.Chat, error) {
	if link == "" {
		return nil, ErrNotFound
	}
	return db.getChatWhere("invite_link = ?", link)
}

func (db *Database) getChatWhere(where string, arg any) (*models.Chat, error) {
	chat := &models.Chat{}
	var dialog int
	err := db.QueryRow(
		"SELECT id, name, dialog, invite_link, avatar, created_at FROM chats WHERE "+where, arg,
	).Scan(&chat.ID, &chat.Name, &dialog, &chat.InviteLink, &chat.Avatar, &chat.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	chat.Dialog = dialog == 1

	chat.Members, err = db.getChatMemberIDs(chat.ID)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (db *Database) getChatMemberIDs(chatID string) ([]string, error) {
	rows, err := db.Query("SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY pos", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *Database) AddChatMember(chatID, userID string) error {
	_, err := db.Exec(
		`INSERT OR IGNORE INTO chat_members (chat_id, user_id, pos)
		 VALUES (?, ?, (SELECT COALESCE(MAX(pos), -1) + 1 FROM chat_members WHERE chat_id = ?))`,
		chatID, userID, chatID,
	)
	return err
}

func (db *Database) RemoveChatMember(chatID, userID string) error {
	_, err := db.Exec("DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?", chatID, userID)
	return err
}

func (db *Database) RenameChat(chatID, name string) error {
	_, err := db.Exec("UPDATE chats SET name = ? WHERE id = ?", name, chatID)
	return err
}

// SetInviteLink replaces the token in a single UPDATE so a revoked link
// can never match a subsequent lookup.
func (db *Database) SetInviteLink(chatID, link string) error {
	_, err := db.Exec("UPDATE chats SET invite_link = ? WHERE id = ?", link, chatID)
	return err
}

func (db *Database) DeleteChat(chatID string) error {
	_, err := db.Exec("DELETE FROM chats WHERE id = ?", chatID)
	return err
}

func (db *Database) GetUserChats(userID string) ([]models.Chat, error) {
	rows, err := db.Query(
		`SELECT c.id FROM chats c
		 JOIN chat_members m ON m.chat_id = c.id
		 WHERE m.user_id = ?
		 ORDER BY c.created_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chats := make([]models.Chat, 0, len(ids))
	for _, id := range ids {
		chat, err := db.GetChat(id)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	return chats, nil
}

// FindDialog returns the existing two-party dialog between a and b, if any.
func (db *Database) FindDialog(a, b string) (*models.Chat, error) {
	var chatID string
	err := db.QueryRow(
		`SELECT c.id FROM chats c
		 JOIN chat_members m1 ON m1.chat_id = c.id AND m1.user_id = ?
		 JOIN chat_members m2 ON m2.chat_id = c.id AND m2.user_id = ?
		 WHERE c.dialog = 1
		 LIMIT 1`,
		a, b,
	).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return db.GetChat(chatID)
}

func (db *Database) InsertMessage(m *models.Message) error {
	attachments, err := marshalNullable(m.Attachments)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		"INSERT INTO messages (id, chat_id, sender_id, sender_login, body, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.ChatID, m.From, m.FromLogin, m.Body, attachments, m.CreatedAt,
	)
	return err
}

func (db *Database) GetMessage(id string) (*models.Message, error) {
	row := db.QueryRow(
		"SELECT id, chat_id, sender_id, sender_login, body, attachments, preview, created_at FROM messages WHERE id = ?",
		id,
	)
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := db.loadReactions(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (db *Database) SetMessagePreview(id string, preview *models.LinkPreview) error {
	data, err := json.Marshal(preview)
	if err != nil {
		return err
	}
	_, err = db.Exec("UPDATE messages SET preview = ? WHERE id = ?", string(data), id)
	return err
}

// GetMessages pages newest-first by offset/limit, then reverses the
// page to chronological order.
func (db *Database) GetMessages(chatID string, offset, limit int) ([]models.Message, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := db.Query(
		`SELECT id, chat_id, sender_id, sender_login, body, attachments, preview, created_at
		 FROM messages WHERE chat_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`,
		chatID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	for i := range messages {
		if err := db.loadReactions(&messages[i]); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func (db *Database) CountMessages(chatID string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	m := &models.Message{}
	var attachments, preview sql.NullString
	err := row.Scan(&m.ID, &m.ChatID, &m.From, &m.FromLogin, &m.Body, &attachments, &preview, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, err
		}
	}
	if preview.Valid && preview.String != "" {
		m.Preview = &models.LinkPreview{}
		if err := json.Unmarshal([]byte(preview.String), m.Preview); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (db *Database) loadReactions(m *models.Message) error {
	rows, err := db.Query(
		"SELECT code, user_id FROM reactions WHERE message_id = ? ORDER BY rowid",
		m.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var code, userID string
		if err := rows.Scan(&code, &userID); err != nil {
			return err
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[code] = append(m.Reactions[code], userID)
	}
	return rows.Err()
}

// ToggleReaction flips (messageID, code, userID) inside one transaction:
// absent reactor is added, present reactor is removed. The sole-reactor
// case needs no special handling here; the code entry disappears with
// its last row.
func (db *Database) ToggleReaction(messageID, code, userID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(
		"SELECT 1 FROM reactions WHERE message_id = ? AND code = ? AND user_id = ?",
		messageID, code, userID,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			"INSERT INTO reactions (message_id, code, user_id) VALUES (?, ?, ?)",
			messageID, code, userID,
		); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(
			"DELETE FROM reactions WHERE message_id = ? AND code = ? AND user_id = ?",
			messageID, code, userID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *Database) InsertAlarm(a *models.Alarm) error {
	_, err := db.Exec(
		"INSERT INTO alarms (id, user_id, message_id, time, delta) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.UserID, a.MessageID, a.Time, a.Delta,
	)
	return err
}

func (db *Database) DeleteAlarm(id string) error {
	_, err := db.Exec("DELETE FROM alarms WHERE id = ?", id)
	return err
}

func (db *Database) ListAlarms() ([]models.Alarm, error) {
	rows, err := db.Query("SELECT id, user_id, message_id, time, delta FROM alarms")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		var a models.Alarm
		if err := rows.Scan(&a.ID, &a.UserID, &a.MessageID, &a.Time, &a.Delta); err != nil {
			return nil, err
		}
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}

func marshalNullable(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
