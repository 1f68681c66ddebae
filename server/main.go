package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"golang.org/x/time/rate"

	"github.com/sessionfold/sessionfold/internal/consolidate"
	"github.com/sessionfold/sessionfold/server/internal/auth"
	"github.com/sessionfold/sessionfold/server/internal/database"
	"github.com/sessionfold/sessionfold/server/internal/handlers"
	"github.com/sessionfold/sessionfold/server/internal/middleware"
)

func main() {
	// Load configuration from environment
	port := getEnv("PORT", "8080")
	dbPath := getEnv("DB_PATH", "./sessionfold.db")
	bucketMinutes := getEnvInt("BUCKET_MINUTES", 0)
	bucketCount := getEnvInt("BUCKET_COUNT", 0)
	debounce := getEnvDuration("CONSOLIDATE_DEBOUNCE", 30*time.Second)

	// Open database
	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Setup session manager with SQLite store
	sessionMgr := scs.New()
	sessionMgr.Store = sqlite3store.New(db.DB)
	sessionMgr.Lifetime = 7 * 24 * time.Hour
	sessionMgr.Cookie.Secure = false // Set to true in production with HTTPS
	sessionMgr.Cookie.SameSite = http.SameSiteLaxMode

	// Zero values mean the contract defaults (360-minute buckets, 4 of
	// them) that downstream reports depend on.
	consolidator := consolidate.New(consolidate.Options{
		BucketWidth: time.Duration(bucketMinutes) * time.Minute,
		BucketCount: bucketCount,
	})

	debouncer := handlers.NewRunDebouncer(db, consolidator, debounce)

	// Create handlers
	h := handlers.New(db, sessionMgr, consolidator, debouncer)
	authMiddleware := auth.NewMiddleware(db, sessionMgr)
	throttle := middleware.NewThrottle(rate.Limit(5), 20)

	// Setup routes
	mux := http.NewServeMux()

	// Public routes (rate limited)
	mux.Handle("/health", http.HandlerFunc(h.Health))
	mux.Handle("/register", throttle.WrapFunc(h.Register))
	mux.Handle("/login", throttle.WrapFunc(h.Login))

	// Protected routes (session-based)
	mux.Handle("/logout", authMiddleware.RequireSession(http.HandlerFunc(h.Logout)))
	mux.Handle("/api/consolidated", authMiddleware.RequireSession(http.HandlerFunc(h.Consolidated)))
	mux.Handle("/api/impact", authMiddleware.RequireSession(http.HandlerFunc(h.Impact)))
	mux.Handle("/api/consolidate", authMiddleware.RequireSession(http.HandlerFunc(h.ConsolidateNow)))

	// API routes (API key-based)
	mux.Handle("/api/events", authMiddleware.RequireAPIKey(http.HandlerFunc(h.APIIngest)))
	mux.Handle("/api/events/status", authMiddleware.RequireAPIKey(http.HandlerFunc(h.APIIngestStatus)))

	// Wrap with session and security middleware
	handler := middleware.JSONAPIHeaders(sessionMgr.LoadAndSave(mux))

	// Start server
	addr := ":" + port
	log.Printf("Starting sessionfold-server on %s", addr)
	log.Printf("Database: %s", dbPath)

	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Warning: ignoring non-numeric %s=%q", key, value)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: ignoring unparsable %s=%q", key, value)
	}
	return defaultValue
}
