package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/shopspring/decimal"

	"github.com/sessionfold/sessionfold/internal/consolidate"
	"github.com/sessionfold/sessionfold/internal/model"
	"github.com/sessionfold/sessionfold/server/internal/auth"
	"github.com/sessionfold/sessionfold/server/internal/database"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db           *database.DB
	sessionMgr   *scs.SessionManager
	consolidator *consolidate.Consolidator
	debouncer    *RunDebouncer
}

// New creates a new Handler
func New(db *database.DB, sessionMgr *scs.SessionManager, c *consolidate.Consolidator, debouncer *RunDebouncer) *Handler {
	return &Handler{
		db:           db,
		sessionMgr:   sessionMgr,
		consolidator: c,
		debouncer:    debouncer,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles account registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	username := strings.TrimSpace(creds.Username)
	if username == "" || creds.Password == "" {
		h.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if len(username) < 3 {
		h.writeError(w, http.StatusBadRequest, "username must be at least 3 characters")
		return
	}
	if len(creds.Password) < 8 {
		h.writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	existing, _ := h.db.GetAccountByUsername(username)
	if existing != nil {
		h.writeError(w, http.StatusConflict, "username already taken")
		return
	}

	passwordHash, err := auth.HashPassword(creds.Password)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}

	accountID, err := auth.NewAccountID()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}

	apiKey, err := auth.NewAPIKey()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}

	account := &database.Account{
		ID:           accountID,
		Username:     username,
		PasswordHash: passwordHash,
		APIKey:       apiKey,
		CreatedAt:    time.Now(),
	}

	if err := h.db.CreateAccount(account); err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	h.sessionMgr.Put(r.Context(), auth.SessionAccountKey, account.ID)

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"username": account.Username,
		"api_key":  account.APIKey,
	})
}

// Login handles account login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	username := strings.TrimSpace(creds.Username)
	account, err := h.db.GetAccountByUsername(username)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}

	if account == nil || !auth.CheckPassword(creds.Password, account.PasswordHash) {
		h.writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	h.sessionMgr.Put(r.Context(), auth.SessionAccountKey, account.ID)

	h.writeJSON(w, http.StatusOK, map[string]string{
		"username": account.Username,
		"api_key":  account.APIKey,
	})
}

// Logout destroys the session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessionMgr.Destroy(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// ingestRequest mirrors the CLI sync client's wire format.
type ingestRequest struct {
	ClientID   string        `json:"client_id"`
	ClientName string        `json:"client_name"`
	Events     []ingestEvent `json:"events"`
}

type ingestEvent struct {
	UserID    string          `json:"user_id"`
	Platform  string          `json:"platform"`
	Timestamp string          `json:"timestamp"`
	Volume    decimal.Decimal `json:"volume"`
	Fee       decimal.Decimal `json:"fee"`
}

// APIIngest accepts a batch of raw events. Rows with an unusable
// timestamp or platform are skipped individually; the rest of the batch
// is stored. Null-identity events are stored as-is: they stay visible to
// raw consumers and are filtered later by the consolidator.
func (h *Handler) APIIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	account := auth.GetAccount(r.Context())
	if account == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "error": "invalid request body",
		})
		return
	}

	if req.ClientID == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "error": "client_id is required",
		})
		return
	}

	if _, err := h.db.GetOrCreateClient(account.ID, req.ClientID, req.ClientName); err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false, "error": "failed to register client",
		})
		return
	}

	events := make([]model.RawEvent, 0, len(req.Events))
	var skipped int64
	for _, raw := range req.Events {
		ts, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			skipped++
			continue
		}
		platform := model.Platform(raw.Platform)
		if !platform.Valid() {
			skipped++
			continue
		}
		events = append(events, model.RawEvent{
			UserID:    raw.UserID,
			Platform:  platform,
			Timestamp: ts,
			Volume:    raw.Volume,
			Fee:       raw.Fee,
		})
	}

	inserted, err := h.db.InsertRawEvents(account.ID, req.ClientID, events)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false, "error": "failed to store events",
		})
		return
	}

	if err := h.db.UpdateClientLastIngest(req.ClientID, time.Now()); err != nil {
		// Bookkeeping only; it must not block the rebuild below.
		log.Printf("updating last ingest for client %s: %v", req.ClientID, err)
	}
	if inserted > 0 {
		// New raw data invalidates the stored consolidated stream.
		h.debouncer.Schedule(account.ID)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"inserted": inserted,
		"skipped":  skipped,
	})
}

// APIIngestStatus returns the last ingest time for a client
func (h *Handler) APIIngestStatus(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	if account == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
		return
	}

	lastIngest, err := h.db.GetClientIngestStatus(account.ID, clientID)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "an error occurred"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"last_ingest_at": lastIngest})
}

// consolidatedRecord is the JSON shape of one stored record.
type consolidatedRecord struct {
	ID                      int64           `json:"id"`
	UserID                  string          `json:"user_id"`
	Date                    string          `json:"date"`
	Platform                model.Platform  `json:"platform"`
	Bucket                  int             `json:"bucket"`
	RepresentativeTimestamp time.Time       `json:"representative_timestamp"`
	Volume                  decimal.Decimal `json:"volume"`
	Fee                     decimal.Decimal `json:"fee"`
}

// Consolidated returns the latest stored run in ascending id order.
func (h *Handler) Consolidated(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	if account == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// One transactional read: a concurrent rebuild must not supersede
	// the run between fetching its summary and its records.
	info, records, err := h.db.GetLatestRunWithRecords(account.ID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}
	if info == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"records": []consolidatedRecord{}})
		return
	}

	out := make([]consolidatedRecord, len(records))
	for i, rec := range records {
		out[i] = consolidatedRecord{
			ID:                      rec.ID,
			UserID:                  rec.UserID,
			Date:                    rec.Date,
			Platform:                rec.Platform,
			Bucket:                  rec.Bucket,
			RepresentativeTimestamp: rec.RepresentativeTimestamp.UTC(),
			Volume:                  rec.Volume,
			Fee:                     rec.Fee,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run": map[string]interface{}{
			"id":            info.ID,
			"finished_at":   info.FinishedAt.UTC(),
			"raw_count":     info.RawCount,
			"record_count":  info.RecordCount,
			"null_identity": info.NullIdentity,
			"malformed":     info.Malformed,
			"failed":        info.Failed,
		},
		"records": out,
	})
}

// Impact recomputes the reduction view over the account's current raw
// batch. Read-only; it never touches the stored runs.
func (h *Handler) Impact(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	if account == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	opts := consolidate.ImpactOptions{}
	if v := r.URL.Query().Get("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 || t > 1 {
			h.writeError(w, http.StatusBadRequest, "threshold must be between 0 and 1")
			return
		}
		if t == 0 {
			// An explicit zero means flag every partition.
			opts.ReductionThreshold = -1
		} else {
			opts.ReductionThreshold = t
		}
	}
	if v := r.URL.Query().Get("min_events"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "min_events must be a non-negative integer")
			return
		}
		opts.MinRawCount = n
	}
	if v := r.URL.Query().Get("max_span"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			h.writeError(w, http.StatusBadRequest, "max_span must be a duration like 1h")
			return
		}
		opts.MaxSpan = d
	}

	events, err := h.db.LoadRawEvents(account.ID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}

	run, err := h.consolidator.Run(r.Context(), events)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "consolidation failed")
		return
	}

	type impactRow struct {
		UserID      string         `json:"user_id"`
		Platform    model.Platform `json:"platform"`
		Date        string         `json:"date"`
		RawCount    int            `json:"raw_count"`
		RecordCount int            `json:"record_count"`
		Reduction   float64        `json:"reduction"`
		SpanSeconds float64        `json:"span_seconds"`
		Flagged     bool           `json:"flagged"`
	}

	impacts := consolidate.BuildImpact(run, opts)
	out := make([]impactRow, len(impacts))
	for i, imp := range impacts {
		out[i] = impactRow{
			UserID:      imp.Key.UserID,
			Platform:    imp.Key.Platform,
			Date:        imp.Key.Date,
			RawCount:    imp.RawCount,
			RecordCount: imp.RecordCount,
			Reduction:   imp.Reduction,
			SpanSeconds: imp.Span.Seconds(),
			Flagged:     imp.Flagged,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"partitions": out})
}

// ConsolidateNow triggers a synchronous full recomputation for the
// authenticated account and stores the result.
func (h *Handler) ConsolidateNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	account := auth.GetAccount(r.Context())
	if account == nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	startedAt := time.Now()
	events, err := h.db.LoadRawEvents(account.ID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}

	run, err := h.consolidator.Run(r.Context(), events)
	if err != nil {
		// The batch aborted: nothing is stored, the previous run stays
		// authoritative.
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runID, err := h.db.SaveRun(account.ID, startedAt, len(events), run)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to store run")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":        runID,
		"raw_count":     len(events),
		"record_count":  len(run.Records),
		"null_identity": run.NullIdentity,
		"malformed":     len(run.Malformed),
		"failed":        len(run.Failed),
	})
}

// Health is a plain liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
