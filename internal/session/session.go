// Package session binds an HTTP request to an authenticated identity
// via a signed cookie. Establishing the session (login, OAuth, ...) is
// an external collaborator; this package only mints and verifies the
// token that collaborator hands the browser.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxAge = 86400 // seconds

var secret []byte

func SetSecret(s string) {
	secret = []byte(s)
}

func sign(data string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeCompare(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// Issue mints the session cookie for an authenticated identity.
func Issue(userID, login string) *http.Cookie {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	payload := userID + ":" + login + ":" + ts
	token := base64.URLEncoding.EncodeToString([]byte(payload + ":" + sign(payload)))
	return &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// FromRequest returns the identity bound to the request's session
// cookie, or empty strings if the cookie is absent, expired or forged.
func FromRequest(r *http.Request) (userID, login string) {
	cookie, err := r.Cookie("session")
	if err != nil {
		return "", ""
	}

	tokenBytes, err := base64.URLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return "", ""
	}

	parts := strings.Split(string(tokenBytes), ":")
	if len(parts) != 4 {
		return "", ""
	}
	userID, login, timestampStr, signature := parts[0], parts[1], parts[2], parts[3]

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return "", ""
	}
	if time.Now().Unix()-timestamp > maxAge {
		return "", ""
	}

	expected := sign(userID + ":" + login + ":" + timestampStr)
	if !constantTimeCompare(signature, expected) {
		return "", ""
	}

	return userID, login
}
