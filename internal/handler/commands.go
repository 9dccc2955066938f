package handler

import (
	"encoding/json"
	"errors"
	"log/slog"

	"pigeon/internal/models"
)

var errInvalidPayload = errors.New("invalid payload")

type commandFunc func(h *WSHandler, c *Client, data json.RawMessage) (any, error)

// commands is the closed set of inbound command names. Every entry is
// executed on the issuing user's serial queue and answered with a
// <Name>Result event; handlers with multi-party side effects fan the
// extra events out themselves before returning. Binary uploads are not
// here: they travel over HTTP and bypass the queue (see upload.go).
var commands = map[string]commandFunc{
	"SendMessage":    cmdSendMessage,
	"SendReaction":   cmdSendReaction,
	"AddContact":     cmdAddContact,
	"CreateChat":     cmdCreateChat,
	"JoinChat":       cmdJoinChat,
	"RenameChat":     cmdRenameChat,
	"LeaveChat":      cmdLeaveChat,
	"RevokeLink":     cmdRevokeLink,
	"SetAlarm":       cmdSetAlarm,
	"GetMessages":    cmdGetMessages,
	"GetChatList":    cmdGetChatList,
	"GetContactList": cmdGetContactList,
	"GetProfile":     cmdGetProfile,
	"SearchByLogin":  cmdSearchByLogin,
	"DeleteProfile":  cmdDeleteProfile,
}

// dispatch routes one inbound command onto the issuing user's queue.
// Command N+1 never starts before command N's handler settles, and a
// failed command never halts the queue.
func (h *WSHandler) dispatch(c *Client, name string, data json.RawMessage) {
	cmd, ok := commands[name]
	if !ok {
		slog.Warn("Unknown command", "name", name, "user_id", c.UserID)
		h.reply(c, name, models.Result{Success: false, Error: "unknown command"})
		return
	}

	h.Queues.Enqueue(c.UserID, func() {
		value, err := cmd(h, c, data)
		if err != nil {
			h.reply(c, name, models.Result{Success: false, Error: err.Error()})
			return
		}
		h.reply(c, name, models.Result{Success: true, Value: value})
	})
}

// reply emits the result to the originating connection only.
func (h *WSHandler) reply(c *Client, command string, res models.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("Failed to marshal command result", "command", command, "error", err)
		return
	}
	frame, err := json.Marshal(models.Event{Name: command + "Result", Data: data})
	if err != nil {
		slog.Error("Failed to marshal result frame", "command", command, "error", err)
		return
	}
	if !c.Enqueue(frame) {
		slog.Warn("Dropped command result on full connection buffer", "command", command, "user_id", c.UserID)
	}
}

func cmdSendMessage(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var payload struct {
		ChatID      string   `json:"chatId"`
		Text        string   `json:"text"`
		TempID      string   `json:"tempId"`
		Attachments []string `json:"attachments"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.SendMessage(c.UserID, payload.ChatID, payload.Text, payload.TempID, payload.Attachments)
}

func cmdSendReaction(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var payload struct {
		MessageID string `json:"messageId"`
		Code      string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.ToggleReaction(c.UserID, payload.MessageID, payload.Code)
}

func cmdAddContact(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var userID string
	if err := json.Unmarshal(data, &userID); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.AddContact(c.UserID, userID)
}

func cmdCreateChat(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var memberIDs []string
	if err := json.Unmarshal(data, &memberIDs); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.CreateChat(c.UserID, memberIDs)
}

func cmdJoinChat(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var link string
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.JoinChat(c.UserID, link)
}

func cmdRenameChat(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var payload struct {
		ChatID string `json:"chatId"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.RenameChat(payload.ChatID, payload.Name)
}

func cmdLeaveChat(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var chatID string
	if err := json.Unmarshal(data, &chatID); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.LeaveChat(c.UserID, chatID)
}

func cmdRevokeLink(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var chatID string
	if err := json.Unmarshal(data, &chatID); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.RevokeInviteLink(chatID)
}

func cmdSetAlarm(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var payload struct {
		MessageID string `json:"messageId"`
		Time      int64  `json:"time"`
		Now       int64  `json:"now"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errInvalidPayload
	}
	if _, err := h.Alarms.Schedule(c.UserID, payload.MessageID, payload.Time, payload.Now); err != nil {
		return nil, err
	}
	return payload, nil
}

func cmdGetMessages(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var payload struct {
		ChatID string `json:"chatId"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.GetMessages(c.UserID, payload.ChatID, payload.Offset, payload.Limit)
}

func cmdGetChatList(h *WSHandler, c *Client, _ json.RawMessage) (any, error) {
	return h.Engine.GetChatList(c.UserID)
}

func cmdGetContactList(h *WSHandler, c *Client, _ json.RawMessage) (any, error) {
	return h.Engine.GetContactList(c.UserID)
}

func cmdGetProfile(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var targetID string
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &targetID); err != nil {
			return nil, errInvalidPayload
		}
	}
	return h.Engine.GetProfile(c.UserID, targetID)
}

func cmdSearchByLogin(h *WSHandler, c *Client, data json.RawMessage) (any, error) {
	var query string
	if err := json.Unmarshal(data, &query); err != nil {
		return nil, errInvalidPayload
	}
	return h.Engine.SearchByLogin(c.UserID, query)
}

func cmdDeleteProfile(h *WSHandler, c *Client, _ json.RawMessage) (any, error) {
	return h.Engine.DeleteProfile(c.UserID)
}
