package handler

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"pigeon/internal/db"
	"pigeon/internal/engine"
	"pigeon/internal/models"
	"pigeon/internal/queue"
	"pigeon/internal/registry"
)

func newTestHandler(t *testing.T) (*WSHandler, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	reg := registry.New()
	return &WSHandler{
		DB:       database,
		Engine:   engine.New(database, reg, engine.Config{Host: "https://chat.example.com"}),
		Registry: reg,
		Queues:   queue.NewManager(),
	}, database
}

func newTestClient(userID, login string) *Client {
	return &Client{
		ConnID: "conn-test",
		UserID: userID,
		Login:  login,
		Send:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func awaitResult(t *testing.T, c *Client, wantName string) models.Result {
	t.Helper()
	select {
	case frame := <-c.Send:
		var ev models.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		if ev.Name != wantName {
			t.Fatalf("event name = %q, want %q", ev.Name, wantName)
		}
		var res models.Result
		if err := json.Unmarshal(ev.Data, &res); err != nil {
			t.Fatalf("malformed result: %v", err)
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s frame arrived", wantName)
		return models.Result{}
	}
}

func TestDispatchUnknownCommandRepliesWithError(t *testing.T) {
	h, _ := newTestHandler(t)
	c := newTestClient("u-alice", "alice")

	h.dispatch(c, "SelfDestruct", nil)

	res := awaitResult(t, c, "SelfDestructResult")
	if res.Success || res.Error != "unknown command" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchRunsCommandAndRepliesWithValue(t *testing.T) {
	h, database := newTestHandler(t)
	if err := database.EnsureUser("u-alice", "alice"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	c := newTestClient("u-alice", "alice")

	h.dispatch(c, "GetProfile", json.RawMessage("null"))

	res := awaitResult(t, c, "GetProfileResult")
	if !res.Success {
		t.Fatalf("GetProfile failed: %+v", res)
	}
	profile, ok := res.Value.(map[string]any)
	if !ok || profile["login"] != "alice" {
		t.Fatalf("unexpected profile value: %+v", res.Value)
	}
}

func TestDispatchRepliesWithCommandError(t *testing.T) {
	h, database := newTestHandler(t)
	database.EnsureUser("u-alice", "alice")
	c := newTestClient("u-alice", "alice")

	h.dispatch(c, "SendMessage", json.RawMessage(`{"chatId":"no-such-chat","text":"hi"}`))

	res := awaitResult(t, c, "SendMessageResult")
	if res.Success || res.Error != "chat not found" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	h, database := newTestHandler(t)
	database.EnsureUser("u-alice", "alice")
	c := newTestClient("u-alice", "alice")

	h.dispatch(c, "SendReaction", json.RawMessage(`"not an object"`))

	res := awaitResult(t, c, "SendReactionResult")
	if res.Success || res.Error != "invalid payload" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchKeepsPerUserOrder(t *testing.T) {
	h, database := newTestHandler(t)
	database.EnsureUser("u-alice", "alice")
	c := newTestClient("u-alice", "alice")

	// CreateChat then SendMessage into it, issued back to back. The
	// serial queue guarantees the chat exists before the send runs.
	h.dispatch(c, "CreateChat", json.RawMessage(`[]`))
	created := awaitResult(t, c, "CreateChatResult")
	if !created.Success {
		t.Fatalf("CreateChat failed: %+v", created)
	}
	chat := created.Value.(map[string]any)

	payload, _ := json.Marshal(map[string]any{"chatId": chat["id"], "text": "hi", "tempId": "t1"})
	h.dispatch(c, "SendMessage", json.RawMessage(payload))

	sent := awaitResult(t, c, "SendMessageResult")
	if !sent.Success {
		t.Fatalf("SendMessage failed: %+v", sent)
	}
	msg := sent.Value.(map[string]any)
	if msg["tempId"] != "t1" {
		t.Fatalf("echo lost the correlation token: %+v", msg)
	}
}

func TestConnectionsOfOneUserShareOneOrderedQueue(t *testing.T) {
	h, database := newTestHandler(t)
	database.EnsureUser("u-alice", "alice")
	chat, err := h.Engine.CreateChat("u-alice", nil)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	phone := newTestClient("u-alice", "alice")
	laptop := newTestClient("u-alice", "alice")

	// Back to back on different connections of the same user: the send
	// submitted first must be visible to the read submitted second.
	sendPayload, _ := json.Marshal(map[string]any{"chatId": chat.ID, "text": "from phone"})
	readPayload, _ := json.Marshal(map[string]any{"chatId": chat.ID})
	h.dispatch(phone, "SendMessage", sendPayload)
	h.dispatch(laptop, "GetMessages", readPayload)

	sent := awaitResult(t, phone, "SendMessageResult")
	if !sent.Success {
		t.Fatalf("SendMessage failed: %s", sent.Error)
	}
	read := awaitResult(t, laptop, "GetMessagesResult")
	if !read.Success {
		t.Fatalf("GetMessages failed: %s", read.Error)
	}

	page := read.Value.(map[string]any)
	messages, _ := page["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("later command did not observe the earlier one: %+v", page)
	}
	if msg := messages[0].(map[string]any); msg["body"] != "from phone" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	// Each result reached its issuing connection only.
	select {
	case frame := <-phone.Send:
		t.Fatalf("extra frame on the issuing connection's sibling: %s", frame)
	default:
	}
	select {
	case frame := <-laptop.Send:
		t.Fatalf("extra frame on the issuing connection's sibling: %s", frame)
	default:
	}
}

func TestClientEnqueueAfterDisconnectIsRejected(t *testing.T) {
	c := newTestClient("u-alice", "alice")
	close(c.done)

	if c.Enqueue([]byte(`{}`)) {
		t.Fatal("frame accepted on a closed connection")
	}
}

func TestClientEnqueueDropsOnFullBuffer(t *testing.T) {
	c := &Client{Send: make(chan []byte, 1), done: make(chan struct{})}
	if !c.Enqueue([]byte(`1`)) {
		t.Fatal("first frame should fit")
	}
	if c.Enqueue([]byte(`2`)) {
		t.Fatal("second frame should be dropped, not block")
	}
}
