package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"pigeon/internal/alarm"
	"pigeon/internal/blob"
	"pigeon/internal/db"
	"pigeon/internal/engine"
	"pigeon/internal/enrich"
	"pigeon/internal/handler"
	"pigeon/internal/middleware"
	"pigeon/internal/queue"
	"pigeon/internal/registry"
	"pigeon/internal/session"
)

func main() {
	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		log.Fatal("SESSION_SECRET environment variable is required")
	}
	if len(sessionSecret) < 32 {
		log.Fatal("SESSION_SECRET must be at least 32 characters")
	}
	session.SetSecret(sessionSecret)

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Fatal("ALLOWED_ORIGINS environment variable is required. Set to your https origin or a comma-separated list.")
	}
	handler.SetAllowedOrigins(splitAndTrim(allowedOriginsEnv))

	host := os.Getenv("HOST")
	if host == "" {
		host = "http://localhost:8080"
	}
	host = strings.TrimRight(host, "/")

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "pigeon.db"
	}
	database, err := db.New(dbPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer database.Close()
	slog.Info("Database initialized", "path", dbPath)

	blobDir := os.Getenv("BLOB_DIR")
	if blobDir == "" {
		blobDir = "blobs"
	}
	blobs, err := blob.NewDiskStore(blobDir, host+"/files")
	if err != nil {
		log.Fatal("Failed to initialize blob store:", err)
	}

	reg := registry.New()
	queues := queue.NewManager()

	eng := engine.New(database, reg, engine.Config{
		Host:      host,
		BotUserID: os.Getenv("BOT_USER_ID"),
		Previewer: enrich.NewHTTPPreviewer(),
	})

	alarms := alarm.NewScheduler(database, reg)
	if err := alarms.Start(); err != nil {
		log.Fatal("Failed to recover alarms:", err)
	}
	defer alarms.Stop()

	wsHandler := &handler.WSHandler{
		DB:       database,
		Engine:   eng,
		Alarms:   alarms,
		Registry: reg,
		Queues:   queues,
		Blobs:    blobs,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	uploadLimiter := middleware.NewRateLimiter(ctx, 30, time.Minute)

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := database.Ping(); err != nil {
			slog.Error("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	r.HandleFunc("/ws", wsHandler.HandleWebSocket).Methods(http.MethodGet)
	r.Handle("/api/upload/image", uploadLimiter.Middleware(http.HandlerFunc(wsHandler.UploadImage))).Methods(http.MethodPost)
	r.Handle("/api/upload/avatar", uploadLimiter.Middleware(http.HandlerFunc(wsHandler.UploadAvatar))).Methods(http.MethodPost)
	r.PathPrefix("/files/").Handler(http.StripPrefix("/files/", http.FileServer(http.Dir(blobDir)))).Methods(http.MethodGet)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:        ":" + port,
		Handler:     loggingMiddleware(r),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("Pigeon server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	cancel()
	alarms.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}
