package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID     string `json:"id"`
	Login  string `json:"login"`
	Avatar string `json:"avatar,omitempty"`
}

// Profile is the public shape of a user, embedded into chat snapshots
// and returned by profile/search commands.
type Profile struct {
	ID     string `json:"id"`
	Login  string `json:"login"`
	Avatar string `json:"avatar,omitempty"`
}

func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Login: u.Login, Avatar: u.Avatar}
}

type Chat struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Dialog     bool      `json:"dialog"`
	InviteLink string    `json:"-"`
	Avatar     string    `json:"avatar,omitempty"`
	Members    []string  `json:"members"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (c *Chat) HasMember(userID string) bool {
	for _, id := range c.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatSnapshot is a chat hydrated with member profiles, the shape
// broadcast in NewChat/NewChatUser/NewChatName/LeftChatUser events. The
// invite link is rendered as a full join URL.
type ChatSnapshot struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Dialog     bool      `json:"dialog"`
	Avatar     string    `json:"avatar,omitempty"`
	Users      []Profile `json:"users"`
	InviteLink string    `json:"inviteLink,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Message struct {
	ID          string   `json:"id"`
	ChatID      string   `json:"chatId"`
	From        string   `json:"from"`
	FromLogin   string   `json:"fromLogin"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	// Preview is the open-graph payload attached by asynchronous
	// link enrichment; nil when the body carried no URL or the fetch
	// did not complete in time.
	Preview   *LinkPreview        `json:"og,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	// TempID echoes the client-supplied correlation token in
	// SendMessageResult; it is never persisted.
	TempID    string    `json:"tempId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

type Alarm struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	// Time is the requested fire time on the client clock, unix
	// milliseconds. Delta is server time minus client time at the
	// moment the alarm was scheduled.
	Time  int64 `json:"time"`
	Delta int64 `json:"delta"`
}

// Event is the wire envelope in both directions: named commands
// client-to-server, named events server-to-client.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Result is the reply shape of every <CommandName>Result event.
type Result struct {
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ReactionEvent struct {
	UID       string `json:"uid"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
}

type AlarmEvent struct {
	Message *Message `json:"message"`
	Alarm   *Alarm   `json:"alarm"`
}

type MessagePage struct {
	ChatID     string    `json:"chatId"`
	Messages   []Message `json:"messages"`
	TotalCount int       `json:"totalCount"`
}
