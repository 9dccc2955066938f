package session

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestIssueAndFromRequestRoundTrip(t *testing.T) {
	SetSecret("test-secret-that-is-long-enough-000")

	req := httptest.NewRequest("GET", "/ws", nil)
	req.AddCookie(Issue("u-alice", "alice"))

	userID, login := FromRequest(req)
	if userID != "u-alice" || login != "alice" {
		t.Fatalf("FromRequest = (%q, %q)", userID, login)
	}
}

func TestFromRequestRejectsMissingCookie(t *testing.T) {
	SetSecret("test-secret-that-is-long-enough-000")

	req := httptest.NewRequest("GET", "/ws", nil)
	if userID, _ := FromRequest(req); userID != "" {
		t.Fatalf("identity from a bare request: %q", userID)
	}
}

func TestFromRequestRejectsTamperedToken(t *testing.T) {
	SetSecret("test-secret-that-is-long-enough-000")

	cookie := Issue("u-alice", "alice")
	raw, err := base64.URLEncoding.DecodeString(cookie.Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Swap the login; the signature no longer matches.
	tampered := []byte("u-alice:mallory" + string(raw[len("u-alice:alice"):]))
	cookie.Value = base64.URLEncoding.EncodeToString(tampered)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.AddCookie(cookie)
	if userID, _ := FromRequest(req); userID != "" {
		t.Fatalf("tampered token accepted as %q", userID)
	}
}

func TestFromRequestRejectsWrongSecret(t *testing.T) {
	SetSecret("test-secret-that-is-long-enough-000")
	cookie := Issue("u-alice", "alice")

	SetSecret("a-completely-different-secret-11111")
	req := httptest.NewRequest("GET", "/ws", nil)
	req.AddCookie(cookie)
	if userID, _ := FromRequest(req); userID != "" {
		t.Fatalf("token signed with another secret accepted as %q", userID)
	}
}

func TestFromRequestRejectsExpiredToken(t *testing.T) {
	SetSecret("test-secret-that-is-long-enough-000")

	ts := strconv.FormatInt(time.Now().Add(-25*time.Hour).Unix(), 10)
	payload := "u-alice:alice:" + ts
	token := base64.URLEncoding.EncodeToString([]byte(payload + ":" + sign(payload)))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: token})
	if userID, _ := FromRequest(req); userID != "" {
		t.Fatalf("expired token accepted as %q", userID)
	}
}
