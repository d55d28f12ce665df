package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Autoloads .env file to supply environment variables
	_ "github.com/joho/godotenv/autoload"

	"github.com/google/uuid"
	"github.com/lildude/trainload/internal/cache"
	"github.com/lildude/trainload/internal/crypto"
	"github.com/lildude/trainload/internal/database"
	"github.com/lildude/trainload/internal/lock"
	"github.com/lildude/trainload/internal/logger"
	"github.com/lildude/trainload/internal/metrics"
	"github.com/lildude/trainload/internal/model"
	"github.com/lildude/trainload/internal/store"
	"github.com/lildude/trainload/internal/strava"
	"github.com/lildude/trainload/internal/sync"
	"github.com/lildude/trainload/internal/token"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	log := logger.NewLogger()

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("initializing database: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.NewRedisClient(ctx, os.Getenv("REDIS_URL"))
	if err != nil {
		log.Fatalf("connecting to redis: %s", err)
	}

	cipher, err := crypto.NewCipher([]byte(os.Getenv("TOKEN_CIPHER_KEY")))
	if err != nil {
		log.Fatalf("building token cipher: %s", err)
	}

	var floor *time.Time
	if v := os.Getenv("BACKFILL_FLOOR"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			log.Fatalf("parsing BACKFILL_FLOOR: %s", err)
		}
		floor = &t
	}

	engine := sync.NewEngine(sync.Config{
		DB:            db,
		Locker:        lock.New(rdb, log),
		Tokens:        token.NewRefresher(db, cipher, log),
		Recompute:     metrics.NewEngine(db, log),
		Log:           log,
		BackfillFloor: floor,
	})
	kv := cache.NewRedisCacheFromClient(rdb)
	runner := sync.NewRunner(db, engine, kv, log)

	interval := 5 * time.Minute
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("parsing SYNC_INTERVAL: %s", err)
		}
		interval = d
	}

	port := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		port = ":" + val
	}
	http.HandleFunc("/", indexHandler)
	http.HandleFunc("/auth", authHandler(kv, log))
	http.HandleFunc("/auth/callback", callbackHandler(db, kv, cipher, log))
	http.HandleFunc("/status", statusHandler(db, metrics.NewEngine(db, log)))
	go func() {
		log.Infof("starting health listener on %s", port)
		if err := http.ListenAndServe(port, nil); err != nil { //#nosec: G114
			log.Errorf("health listener: %s", err)
		}
	}()

	log.Infof("scheduler running every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runner.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			runner.Tick(ctx)
		case <-ctx.Done():
			log.Info("shutting down")
			return
		}
	}
}

func indexHandler(w http.ResponseWriter, _ *http.Request) {
	if _, err := w.Write([]byte("Trainload")); err != nil {
		return
	}
}

// oauthStateTTL bounds how long a consent redirect stays redeemable.
const oauthStateTTL = 10 * time.Minute

func oauthStateKey(state string) string {
	return "oauthstate:" + state
}

// authHandler sends the user off to the provider's consent page. The state
// parameter is a one-time token mapped to the user id in the shared
// key-value store, so the callback can verify it regardless of which
// instance issued the redirect.
func authHandler(kv cache.Cache, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
			http.Error(w, "missing or invalid user", http.StatusBadRequest)
			return
		}

		state := uuid.NewString()
		if err := kv.SetTTL(r.Context(), oauthStateKey(state), userID, oauthStateTTL); err != nil {
			log.WithError(err).Error("storing oauth state")
			http.Error(w, "storing state failed", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, strava.OauthConfig.AuthCodeURL(state), http.StatusFound)
	}
}

func callbackHandler(db *gorm.DB, kv cache.Cache, cipher crypto.Cipher, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, err := kv.Get(r.Context(), oauthStateKey(r.URL.Query().Get("state")))
		if err != nil {
			log.WithError(err).Error("looking up oauth state")
			http.Error(w, "state lookup failed", http.StatusInternalServerError)
			return
		}
		s, _ := stored.(string)
		userID, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "unknown or expired state", http.StatusBadRequest)
			return
		}

		tok, err := strava.OauthConfig.Exchange(r.Context(), r.URL.Query().Get("code"))
		if err != nil {
			log.WithError(err).Error("exchanging authorization code")
			http.Error(w, "token exchange failed", http.StatusBadGateway)
			return
		}

		if _, err := store.LinkAccount(db, cipher, userID, tok); err != nil {
			log.WithError(err).WithField("user", userID).Error("linking account")
			http.Error(w, "linking account failed", http.StatusInternalServerError)
			return
		}

		log.WithField("user", userID).Info("account linked")
		if _, err := w.Write([]byte("Account linked. Syncing will begin shortly.")); err != nil {
			return
		}
	}
}

func statusHandler(db *gorm.DB, me *metrics.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid user", http.StatusBadRequest)
			return
		}

		var acct model.Account
		err = db.WithContext(r.Context()).
			Where("user_id = ? AND provider = ?", userID, model.ProviderStrava).
			First(&acct).Error
		if err != nil {
			http.Error(w, "unknown account", http.StatusNotFound)
			return
		}

		quality, err := me.SeriesQuality(r.Context(), userID)
		if err != nil {
			http.Error(w, "grading load series failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"status":           store.SyncStatus(&acct),
			"history_complete": acct.HistoryComplete,
			"last_sync_at":     acct.LastSyncAt,
			"last_error":       acct.LastError,
			"metrics_quality":  quality,
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			return
		}
	}
}
