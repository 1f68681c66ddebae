package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sessionfold/sessionfold/internal/consolidate"
	"github.com/sessionfold/sessionfold/internal/model"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// Account represents a registered account that owns event data. Distinct
// from the user_id carried on events, which is an identity inside the
// owner's own dataset.
type Account struct {
	ID           string
	Username     string
	PasswordHash string
	APIKey       string
	CreatedAt    time.Time
}

// Client represents an ingest client
type Client struct {
	ID           string
	AccountID    string
	Name         string
	LastIngestAt *time.Time
	CreatedAt    time.Time
}

// RunInfo summarizes one stored consolidation run.
type RunInfo struct {
	ID           int64
	AccountID    string
	StartedAt    time.Time
	FinishedAt   time.Time
	RawCount     int
	RecordCount  int
	NullIdentity int
	Malformed    int
	Failed       int
}

// Open opens a SQLite database connection
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to avoid "database is locked" errors under concurrent load
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate creates the database schema
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		api_key TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		last_ingest_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS raw_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		volume TEXT NOT NULL,
		fee TEXT NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
		UNIQUE(account_id, client_id, user_id, platform, timestamp, volume, fee)
	);

	CREATE INDEX IF NOT EXISTS idx_raw_events_account_ts ON raw_events(account_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_clients_account ON clients(account_id);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		raw_count INTEGER NOT NULL,
		record_count INTEGER NOT NULL,
		null_identity INTEGER NOT NULL,
		malformed_count INTEGER NOT NULL,
		failed_count INTEGER NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_account ON runs(account_id, id);

	CREATE TABLE IF NOT EXISTS consolidated_records (
		account_id TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		record_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		platform TEXT NOT NULL,
		bucket INTEGER NOT NULL,
		representative_timestamp TIMESTAMP NOT NULL,
		volume TEXT NOT NULL,
		fee TEXT NOT NULL,
		PRIMARY KEY (account_id, run_id, record_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expiry REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expiry);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateAccount creates a new account
func (db *DB) CreateAccount(account *Account) error {
	_, err := db.Exec(
		`INSERT INTO accounts (id, username, password_hash, api_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account.ID, account.Username, account.PasswordHash, account.APIKey, account.CreatedAt,
	)
	return err
}

func (db *DB) scanAccount(row *sql.Row) (*Account, error) {
	account := &Account{}
	err := row.Scan(&account.ID, &account.Username, &account.PasswordHash, &account.APIKey, &account.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountByUsername retrieves an account by username
func (db *DB) GetAccountByUsername(username string) (*Account, error) {
	return db.scanAccount(db.QueryRow(
		`SELECT id, username, password_hash, api_key, created_at
		 FROM accounts WHERE username = ?`, username))
}

// GetAccountByID retrieves an account by ID
func (db *DB) GetAccountByID(id string) (*Account, error) {
	return db.scanAccount(db.QueryRow(
		`SELECT id, username, password_hash, api_key, created_at
		 FROM accounts WHERE id = ?`, id))
}

// GetAccountByAPIKey retrieves an account by API key
func (db *DB) GetAccountByAPIKey(apiKey string) (*Account, error) {
	return db.scanAccount(db.QueryRow(
		`SELECT id, username, password_hash, api_key, created_at
		 FROM accounts WHERE api_key = ?`, apiKey))
}

// GetOrCreateClient gets an existing ingest client or creates a new one
func (db *DB) GetOrCreateClient(accountID, clientID, clientName string) (*Client, error) {
	client := &Client{}
	var lastIngestAt sql.NullTime
	err := db.QueryRow(
		`SELECT id, account_id, name, last_ingest_at, created_at FROM clients WHERE id = ? AND account_id = ?`,
		clientID, accountID,
	).Scan(&client.ID, &client.AccountID, &client.Name, &lastIngestAt, &client.CreatedAt)

	if err == nil {
		if lastIngestAt.Valid {
			client.LastIngestAt = &lastIngestAt.Time
		}
		return client, nil
	}

	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now()
	_, err = db.Exec(
		`INSERT INTO clients (id, account_id, name, created_at) VALUES (?, ?, ?, ?)`,
		clientID, accountID, clientName, now,
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		ID:        clientID,
		AccountID: accountID,
		Name:      clientName,
		CreatedAt: now,
	}, nil
}

// UpdateClientLastIngest updates the last ingest time for a client
func (db *DB) UpdateClientLastIngest(clientID string, lastIngestAt time.Time) error {
	_, err := db.Exec(`UPDATE clients SET last_ingest_at = ? WHERE id = ?`, lastIngestAt, clientID)
	return err
}

// GetClientIngestStatus returns the last ingest time for a client
func (db *DB) GetClientIngestStatus(accountID, clientID string) (*time.Time, error) {
	var lastIngestAt sql.NullTime
	err := db.QueryRow(
		`SELECT last_ingest_at FROM clients WHERE id = ? AND account_id = ?`,
		clientID, accountID,
	).Scan(&lastIngestAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !lastIngestAt.Valid {
		return nil, nil
	}
	return &lastIngestAt.Time, nil
}

// InsertRawEvents inserts raw events for an account, ignoring duplicates
func (db *DB) InsertRawEvents(accountID, clientID string, events []model.RawEvent) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO raw_events
		(account_id, client_id, user_id, platform, timestamp, volume, fee)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var inserted int64
	for _, e := range events {
		result, err := stmt.Exec(
			accountID, clientID, e.UserID, string(e.Platform),
			e.Timestamp.UTC(), e.Volume.String(), e.Fee.String(),
		)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		inserted += n
	}

	return inserted, tx.Commit()
}

// LoadRawEvents returns an account's full raw batch, the input to a
// consolidation run.
func (db *DB) LoadRawEvents(accountID string) ([]model.RawEvent, error) {
	rows, err := db.Query(`
		SELECT user_id, platform, timestamp, volume, fee
		FROM raw_events
		WHERE account_id = ?
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RawEvent
	for rows.Next() {
		var (
			e                  model.RawEvent
			platform, vol, fee string
		)
		if err := rows.Scan(&e.UserID, &platform, &e.Timestamp, &vol, &fee); err != nil {
			return nil, err
		}
		e.Platform = model.Platform(platform)
		if e.Volume, err = decimal.NewFromString(vol); err != nil {
			return nil, fmt.Errorf("corrupt volume %q: %w", vol, err)
		}
		if e.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("corrupt fee %q: %w", fee, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveRun persists a completed consolidation run. Records are stored
// under a fresh run id, superseding earlier runs rather than updating
// them in place; readers always see a complete run or none.
func (db *DB) SaveRun(accountID string, startedAt time.Time, rawCount int, run *consolidate.Run) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO runs (account_id, started_at, finished_at, raw_count, record_count, null_identity, malformed_count, failed_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, accountID, startedAt.UTC(), time.Now().UTC(), rawCount, len(run.Records),
		run.NullIdentity, len(run.Malformed), len(run.Failed))
	if err != nil {
		return 0, err
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO consolidated_records
		(account_id, run_id, record_id, user_id, date, platform, bucket, representative_timestamp, volume, fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range run.Records {
		if _, err := stmt.Exec(
			accountID, runID, r.ID, r.UserID, r.Date, string(r.Platform),
			r.Bucket, r.RepresentativeTimestamp.UTC(), r.Volume.String(), r.Fee.String(),
		); err != nil {
			return 0, err
		}
	}

	// Superseded runs are dropped once the new one is fully written.
	if _, err := tx.Exec(`DELETE FROM runs WHERE account_id = ? AND id < ?`, accountID, runID); err != nil {
		return 0, err
	}

	return runID, tx.Commit()
}

// GetLatestRunWithRecords returns the most recent run and its records
// inside one transaction, so a concurrent SaveRun cannot supersede the
// run between the two reads. Returns a nil info when no run is stored.
func (db *DB) GetLatestRunWithRecords(accountID string) (*RunInfo, []model.ConsolidatedRecord, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	info := &RunInfo{AccountID: accountID}
	err = tx.QueryRow(`
		SELECT id, started_at, finished_at, raw_count, record_count, null_identity, malformed_count, failed_count
		FROM runs WHERE account_id = ? ORDER BY id DESC LIMIT 1
	`, accountID).Scan(&info.ID, &info.StartedAt, &info.FinishedAt, &info.RawCount,
		&info.RecordCount, &info.NullIdentity, &info.Malformed, &info.Failed)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.Query(`
		SELECT record_id, user_id, date, platform, bucket, representative_timestamp, volume, fee
		FROM consolidated_records
		WHERE account_id = ? AND run_id = ?
		ORDER BY record_id
	`, accountID, info.ID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var records []model.ConsolidatedRecord
	for rows.Next() {
		var (
			r                  model.ConsolidatedRecord
			platform, vol, fee string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Date, &platform, &r.Bucket,
			&r.RepresentativeTimestamp, &vol, &fee); err != nil {
			return nil, nil, err
		}
		r.Platform = model.Platform(platform)
		if r.Volume, err = decimal.NewFromString(vol); err != nil {
			return nil, nil, fmt.Errorf("corrupt volume %q: %w", vol, err)
		}
		if r.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, nil, fmt.Errorf("corrupt fee %q: %w", fee, err)
		}
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return info, records, tx.Commit()
}
