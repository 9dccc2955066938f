package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"pigeon/internal/models"
	"pigeon/internal/session"
)

// Upload commands carry a binary stream, so they travel over HTTP
// instead of the websocket and bypass the per-user command queue; they
// are ordered only against each other within one request body.

const maxUploadSize = 8 << 20

func (h *WSHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	userID, _ := session.FromRequest(r)
	if userID == "" {
		writeJSONError(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	locator, err := h.Blobs.Put(r.Body)
	if err != nil {
		slog.Error("Image upload failed", "user_id", userID, "error", err)
		writeJSONError(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	writeResult(w, models.Result{Success: true, Value: locator})
}

func (h *WSHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	userID, _ := session.FromRequest(r)
	if userID == "" {
		writeJSONError(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	locator, err := h.Blobs.Put(r.Body)
	if err != nil {
		slog.Error("Avatar upload failed", "user_id", userID, "error", err)
		writeJSONError(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	if err := h.DB.SetUserAvatar(userID, locator); err != nil {
		slog.Error("Failed to store avatar reference", "user_id", userID, "error", err)
		writeJSONError(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	writeResult(w, models.Result{Success: true, Value: locator})
}

func writeResult(w http.ResponseWriter, res models.Result) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.Result{Success: false, Error: message})
}
