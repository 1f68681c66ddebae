package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sessionfold/sessionfold/cli/internal/config"
	"github.com/sessionfold/sessionfold/internal/model"
)

// Client handles pushing raw events to the server
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
}

// IngestRequest represents the ingest API request body
type IngestRequest struct {
	ClientID   string        `json:"client_id"`
	ClientName string        `json:"client_name"`
	Events     []EventRecord `json:"events"`
}

// EventRecord represents a single raw event on the wire
type EventRecord struct {
	UserID    string          `json:"user_id"`
	Platform  string          `json:"platform"`
	Timestamp string          `json:"timestamp"`
	Volume    decimal.Decimal `json:"volume"`
	Fee       decimal.Decimal `json:"fee"`
}

// IngestResponse represents the ingest API response
type IngestResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Inserted int64  `json:"inserted,omitempty"`
	Skipped  int64  `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StatusResponse represents the ingest status response
type StatusResponse struct {
	LastIngestAt *time.Time `json:"last_ingest_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewClient creates a new sync client
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetStatus gets the last ingest time for this client from the server
func (c *Client) GetStatus() (*time.Time, error) {
	url := fmt.Sprintf("%s/api/events/status?client_id=%s", c.cfg.Server, c.cfg.ClientID)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}

	if status.Error != "" {
		return nil, fmt.Errorf("%s", status.Error)
	}

	return status.LastIngestAt, nil
}

// Push sends raw events to the server
func (c *Client) Push(events []model.RawEvent) (int64, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	records := make([]EventRecord, len(events))
	for i, e := range events {
		records[i] = EventRecord{
			UserID:    e.UserID,
			Platform:  string(e.Platform),
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Volume:    e.Volume,
			Fee:       e.Fee,
		}
	}

	reqBody := IngestRequest{
		ClientID:   c.cfg.ClientID,
		ClientName: hostname,
		Events:     records,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/api/events", c.cfg.Server)
	req, err := http.NewRequest("POST", url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var ingestResp IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingestResp); err != nil {
		return 0, err
	}

	if !ingestResp.Success {
		errMsg := ingestResp.Error
		if errMsg == "" {
			errMsg = ingestResp.Message
		}
		return 0, fmt.Errorf("%s", errMsg)
	}

	return ingestResp.Inserted, nil
}
