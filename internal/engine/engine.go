// Package engine implements the chat messaging core: message send with
// asynchronous enrichment, the reaction toggle, chat membership and
// contact operations, and the query commands. Fan-out goes through the
// connection registry; the engine never blocks a command on enrichment
// or on the automated participant's reply.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pigeon/internal/db"
	"pigeon/internal/enrich"
	"pigeon/internal/models"
)

// Emitter delivers a named event to every live connection of a user.
type Emitter interface {
	Emit(userID, event string, payload any)
}

type Config struct {
	// Host prefixes invite-link URLs, e.g. "https://chat.example.com".
	Host string
	// BotUserID designates the automated participant; empty disables
	// auto replies.
	BotUserID string
	// PreviewWait bounds how long a send waits for link enrichment
	// before broadcasting without it. The fetch keeps running and the
	// persisted message is updated when it lands.
	PreviewWait time.Duration

	Renderer  enrich.Renderer
	Previewer enrich.Previewer
	Responder enrich.Responder
}

type Engine struct {
	db  *db.Database
	out Emitter
	cfg Config
}

func New(database *db.Database, out Emitter, cfg Config) *Engine {
	if cfg.Renderer == nil {
		cfg.Renderer = enrich.PlainRenderer{}
	}
	if cfg.PreviewWait <= 0 {
		cfg.PreviewWait = 2 * time.Second
	}
	return &Engine{db: database, out: out, cfg: cfg}
}

// SendMessage persists the message before enrichment completes, so the
// chat's message order is persistence order. It broadcasts NewMessage
// to every other current member and returns the sender's echo with the
// client correlation token attached.
func (e *Engine) SendMessage(senderID, chatID, text, tempID string, attachments []string) (*models.Message, error) {
	chat, err := e.db.GetChat(chatID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(senderID) {
		return nil, ErrNotChatMember
	}

	sender, err := e.db.GetUser(senderID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		From:        senderID,
		FromLogin:   sender.Login,
		Body:        e.cfg.Renderer.Render(text),
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.db.InsertMessage(msg); err != nil {
		return nil, err
	}

	if url := enrich.FirstURL(text); url != "" && e.cfg.Previewer != nil {
		e.attachPreview(msg, url)
	}

	for _, memberID := range chat.Members {
		if memberID != senderID {
			e.out.Emit(memberID, "NewMessage", msg)
		}
	}

	if e.cfg.BotUserID != "" && e.cfg.Responder != nil &&
		senderID != e.cfg.BotUserID && chat.HasMember(e.cfg.BotUserID) {
		go e.botReply(chat, text)
	}

	echo := *msg
	echo.TempID = tempID
	return &echo, nil
}

// attachPreview kicks off the open-graph fetch and waits at most
// PreviewWait for it before the send proceeds. The fetch itself is
// detached: however late it finishes, the persisted record gets the
// payload; failure is logged and never fails the send.
func (e *Engine) attachPreview(msg *models.Message, url string) {
	done := make(chan *models.LinkPreview, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		preview, err := e.cfg.Previewer.Preview(ctx, url)
		if err != nil {
			slog.Warn("Link preview failed", "url", url, "message_id", msg.ID, "error", err)
			done <- nil
			return
		}
		if err := e.db.SetMessagePreview(msg.ID, preview); err != nil {
			slog.Warn("Failed to store link preview", "message_id", msg.ID, "error", err)
		}
		done <- preview
	}()

	select {
	case preview := <-done:
		msg.Preview = preview
	case <-time.After(e.cfg.PreviewWait):
	}
}

func (e *Engine) botReply(chat *models.Chat, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := e.cfg.Responder.Reply(ctx, text)
	if err != nil {
		slog.Warn("Bot reply failed", "chat_id", chat.ID, "error", err)
		return
	}

	bot, err := e.db.GetUser(e.cfg.BotUserID)
	if err != nil {
		slog.Warn("Bot user missing", "bot_user_id", e.cfg.BotUserID, "error", err)
		return
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		ChatID:    chat.ID,
		From:      bot.ID,
		FromLogin: bot.Login,
		Body:      e.cfg.Renderer.Render(reply),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.db.InsertMessage(msg); err != nil {
		slog.Warn("Failed to persist bot reply", "chat_id", chat.ID, "error", err)
		return
	}

	for _, memberID := range chat.Members {
		e.out.Emit(memberID, "NewMessage", msg)
	}
}

// ToggleReaction flips the (message, code, user) reaction through its
// three-way cycle and broadcasts NewReaction to every chat member,
// including the actor, for multi-device consistency.
func (e *Engine) ToggleReaction(userID, messageID, code string) (*models.ReactionEvent, error) {
	msg, err := e.db.GetMessage(messageID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	chat, err := e.db.GetChat(msg.ChatID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(userID) {
		return nil, ErrNotChatMember
	}
	if !IsReactionCode(code) {
		return nil, ErrBadReaction
	}

	if err := e.db.ToggleReaction(messageID, code, userID); err != nil {
		return nil, err
	}

	event := &models.ReactionEvent{
		UID:       userID,
		ChatID:    chat.ID,
		MessageID: messageID,
		Code:      code,
	}
	for _, memberID := range chat.Members {
		e.out.Emit(memberID, "NewReaction", event)
	}
	return event, nil
}

// AddContact establishes the symmetric contact relation and the
// two-party dialog chat (reusing one if the pair already had it), then
// notifies both parties with NewChat. The mutual updates are
// independent atomic steps; there is no cross-document rollback.
func (e *Engine) AddContact(userID, otherID string) (*models.ChatSnapshot, error) {
	if userID == otherID {
		return nil, ErrSelfContact
	}

	if _, err := e.db.GetUser(otherID); errors.Is(err, db.ErrNotFound) {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, err
	}

	already, err := e.db.HasContact(userID, otherID)
	if err != nil {
		return nil, err
	}
	if already {
		return nil, ErrAlreadyContact
	}

	if err := e.db.AddContact(userID, otherID); err != nil {
		return nil, err
	}
	if err := e.db.AddContact(otherID, userID); err != nil {
		return nil, err
	}

	chat, err := e.db.FindDialog(userID, otherID)
	if errors.Is(err, db.ErrNotFound) {
		chat = &models.Chat{
			ID:        uuid.New().String(),
			Dialog:    true,
			Members:   []string{userID, otherID},
			CreatedAt: time.Now().UTC(),
		}
		err = e.db.CreateChat(chat)
	}
	if err != nil {
		return nil, err
	}

	snapshot, err := e.snapshot(chat)
	if err != nil {
		return nil, err
	}
	e.out.Emit(userID, "NewChat", snapshot)
	e.out.Emit(otherID, "NewChat", snapshot)
	return snapshot, nil
}

// CreateChat creates a named group chat. The derived name joins member
// logins in lookup order, creator first.
func (e *Engine) CreateChat(creatorID string, memberIDs []string) (*models.ChatSnapshot, error) {
	ids := dedupe(append([]string{creatorID}, memberIDs...))
	users, err := e.db.GetUsers(ids)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrUserNotFound
	}

	members := make([]string, len(users))
	for i, u := range users {
		members[i] = u.ID
	}

	chatID := uuid.New().String()
	chat := &models.Chat{
		ID:         chatID,
		Name:       joinLogins(users),
		Dialog:     false,
		InviteLink: uuid.New().String(),
		Avatar:     identicon(chatID),
		Members:    members,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.db.CreateChat(chat); err != nil {
		return nil, err
	}

	snapshot, err := e.snapshot(chat)
	if err != nil {
		return nil, err
	}
	for _, memberID := range members {
		e.out.Emit(memberID, "NewChat", snapshot)
	}
	return snapshot, nil
}

// JoinChat admits whoever presents a currently valid invite link.
func (e *Engine) JoinChat(userID, link string) (*models.ChatSnapshot, error) {
	chat, err := e.db.GetChatByInviteLink(link)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if chat.HasMember(userID) {
		return nil, ErrAlreadyMember
	}

	if err := e.db.AddChatMember(chat.ID, userID); err != nil {
		return nil, err
	}
	if err := e.refreshName(chat.ID); err != nil {
		return nil, err
	}

	updated, err := e.db.GetChat(chat.ID)
	if err != nil {
		return nil, err
	}
	snapshot, err := e.snapshot(updated)
	if err != nil {
		return nil, err
	}
	for _, memberID := range updated.Members {
		if memberID != userID {
			e.out.Emit(memberID, "NewChatUser", snapshot)
		}
	}
	return snapshot, nil
}

// LeaveChat removes the member, deletes the chat when its member set
// becomes empty, and tells the remaining members.
func (e *Engine) LeaveChat(userID, chatID string) (*models.ChatSnapshot, error) {
	chat, err := e.db.GetChat(chatID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(userID) {
		return nil, ErrNotChatMember
	}

	if err := e.db.RemoveChatMember(chatID, userID); err != nil {
		return nil, err
	}

	updated, err := e.db.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	if len(updated.Members) == 0 {
		if err := e.db.DeleteChat(chatID); err != nil {
			return nil, err
		}
		return e.snapshot(updated)
	}

	if !updated.Dialog {
		if err := e.refreshName(chatID); err != nil {
			return nil, err
		}
		if updated, err = e.db.GetChat(chatID); err != nil {
			return nil, err
		}
	}

	snapshot, err := e.snapshot(updated)
	if err != nil {
		return nil, err
	}
	for _, memberID := range updated.Members {
		e.out.Emit(memberID, "LeftChatUser", snapshot)
	}
	return snapshot, nil
}

// RenameChat gives a group chat an explicit name and broadcasts
// NewChatName to every member.
func (e *Engine) RenameChat(chatID, name string) (*models.ChatSnapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	chat, err := e.db.GetChat(chatID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := e.db.RenameChat(chatID, name); err != nil {
		return nil, err
	}
	chat.Name = name

	snapshot, err := e.snapshot(chat)
	if err != nil {
		return nil, err
	}
	for _, memberID := range chat.Members {
		e.out.Emit(memberID, "NewChatName", snapshot)
	}
	return snapshot, nil
}

// RevokeInviteLink atomically replaces the chat's invite token so stale
// links stop working, broadcasts NewInviteLink to all members, and
// returns the new join URL.
func (e *Engine) RevokeInviteLink(chatID string) (string, error) {
	chat, err := e.db.GetChat(chatID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrChatNotFound
	}
	if err != nil {
		return "", err
	}

	link := uuid.New().String()
	if err := e.db.SetInviteLink(chatID, link); err != nil {
		return "", err
	}
	chat.InviteLink = link

	snapshot, err := e.snapshot(chat)
	if err != nil {
		return "", err
	}
	for _, memberID := range chat.Members {
		e.out.Emit(memberID, "NewInviteLink", snapshot)
	}
	return snapshot.InviteLink, nil
}

// GetMessages pages a chat's history: newest-first offset/limit against
// storage, returned in chronological order, with the total count.
func (e *Engine) GetMessages(userID, chatID string, offset, limit int) (*models.MessagePage, error) {
	chat, err := e.db.GetChat(chatID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(userID) {
		return nil, ErrNotChatMember
	}

	messages, err := e.db.GetMessages(chatID, offset, limit)
	if err != nil {
		return nil, err
	}
	count, err := e.db.CountMessages(chatID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return &models.MessagePage{ChatID: chatID, Messages: messages, TotalCount: count}, nil
}

func (e *Engine) GetChatList(userID string) ([]models.ChatSnapshot, error) {
	chats, err := e.db.GetUserChats(userID)
	if err != nil {
		return nil, err
	}

	snapshots := make([]models.ChatSnapshot, 0, len(chats))
	for i := range chats {
		snapshot, err := e.snapshot(&chats[i])
		if err != nil {
			slog.Warn("Skipping unreadable chat in list", "chat_id", chats[i].ID, "error", err)
			continue
		}
		snapshots = append(snapshots, *snapshot)
	}
	return snapshots, nil
}

func (e *Engine) GetContactList(userID string) ([]models.Profile, error) {
	ids, err := e.db.GetContactIDs(userID)
	if err != nil {
		return nil, err
	}
	users, err := e.db.GetUsers(ids)
	if err != nil {
		return nil, err
	}
	return profiles(users), nil
}

// GetProfile returns targetID's profile, or the caller's own when
// targetID is empty.
func (e *Engine) GetProfile(userID, targetID string) (*models.Profile, error) {
	if targetID == "" {
		targetID = userID
	}
	user, err := e.db.GetUser(targetID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	p := user.Profile()
	return &p, nil
}

// SearchByLogin matches logins case-insensitively by substring,
// excluding the caller and the caller's existing contacts.
func (e *Engine) SearchByLogin(userID, query string) ([]models.Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	found, err := e.db.SearchUsersByLogin(query)
	if err != nil {
		return nil, err
	}
	contactIDs, err := e.db.GetContactIDs(userID)
	if err != nil {
		return nil, err
	}

	exclude := make(map[string]struct{}, len(contactIDs)+1)
	exclude[userID] = struct{}{}
	for _, id := range contactIDs {
		exclude[id] = struct{}{}
	}

	result := make([]models.Profile, 0, len(found))
	for _, u := range found {
		if _, skip := exclude[u.ID]; skip {
			continue
		}
		result = append(result, u.Profile())
	}
	return result, nil
}

// DeleteProfile removes the user record. Chats the user belonged to are
// left for later reads to reconcile.
func (e *Engine) DeleteProfile(userID string) (*models.Profile, error) {
	user, err := e.db.GetUser(userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := e.db.DeleteUser(userID); err != nil {
		return nil, err
	}
	p := user.Profile()
	return &p, nil
}

func (e *Engine) refreshName(chatID string) error {
	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return err
	}
	users, err := e.db.GetUsers(chat.Members)
	if err != nil {
		return err
	}
	return e.db.RenameChat(chatID, joinLogins(users))
}

func (e *Engine) snapshot(chat *models.Chat) (*models.ChatSnapshot, error) {
	users, err := e.db.GetUsers(chat.Members)
	if err != nil {
		return nil, err
	}

	snapshot := &models.ChatSnapshot{
		ID:        chat.ID,
		Name:      chat.Name,
		Dialog:    chat.Dialog,
		Avatar:    chat.Avatar,
		Users:     profiles(users),
		CreatedAt: chat.CreatedAt,
	}
	if !chat.Dialog && chat.InviteLink != "" {
		snapshot.InviteLink = fmt.Sprintf("%s/?join=%s", e.cfg.Host, chat.InviteLink)
	}
	return snapshot, nil
}

func profiles(users []models.User) []models.Profile {
	out := make([]models.Profile, len(users))
	for i := range users {
		out[i] = users[i].Profile()
	}
	return out
}

func joinLogins(users []models.User) string {
	logins := make([]string, len(users))
	for i, u := range users {
		logins[i] = u.Login
	}
	return strings.Join(logins, ", ")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// identicon derives a deterministic avatar reference from the chat id.
func identicon(id string) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("https://github.com/identicons/%s.png", hex.EncodeToString(sum[:8]))
}
