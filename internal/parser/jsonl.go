// Package parser loads raw interaction events from append-only JSONL
// logs. A bad row never aborts a batch: it is captured as a
// MalformedEventError and the rest of the file keeps parsing.
package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sessionfold/sessionfold/internal/model"
)

// rawLine is the on-disk JSON shape of one event.
type rawLine struct {
	UserID    string          `json:"user_id"`
	Platform  string          `json:"platform"`
	Timestamp string          `json:"timestamp"`
	Volume    decimal.Decimal `json:"volume"`
	Fee       decimal.Decimal `json:"fee"`
}

// FindEventFiles returns every .jsonl file under dir.
func FindEventFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && filepath.Ext(path) == ".jsonl" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// ParseFile parses a single JSONL file. Rows that cannot be decoded or
// carry an unusable timestamp are returned as MalformedEventErrors
// alongside the good events.
func ParseFile(path string) ([]model.RawEvent, []*model.MalformedEventError, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	var (
		events    []model.RawEvent
		malformed []*model.MalformedEventError
	)

	scanner := bufio.NewScanner(file)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		source := fmt.Sprintf("%s:%d", filepath.Base(path), lineNo)

		var raw rawLine
		if err := json.Unmarshal(line, &raw); err != nil {
			malformed = append(malformed, &model.MalformedEventError{
				Source: source,
				Reason: "invalid JSON: " + err.Error(),
			})
			continue
		}

		event, merr := toEvent(raw, source)
		if merr != nil {
			malformed = append(malformed, merr)
			continue
		}
		events = append(events, event)
	}

	// A scan failure ends the file early but the rows already decoded
	// are still good; return them alongside the error.
	return events, malformed, scanner.Err()
}

// LoadDir parses every JSONL file under dir into one batch. A file that
// cannot be opened or fully read keeps whatever rows it yielded, and the
// file-level failure is recorded in the skip summary so nothing drops
// silently.
func LoadDir(dir string) ([]model.RawEvent, []*model.MalformedEventError, error) {
	files, err := FindEventFiles(dir)
	if err != nil {
		return nil, nil, err
	}

	var (
		events    []model.RawEvent
		malformed []*model.MalformedEventError
	)
	for _, file := range files {
		evs, bad, err := ParseFile(file)
		events = append(events, evs...)
		malformed = append(malformed, bad...)
		if err != nil {
			malformed = append(malformed, &model.MalformedEventError{
				Source: filepath.Base(file),
				Reason: "file not fully read: " + err.Error(),
			})
		}
	}

	return events, malformed, nil
}

func toEvent(raw rawLine, source string) (model.RawEvent, *model.MalformedEventError) {
	if raw.Timestamp == "" {
		return model.RawEvent{}, &model.MalformedEventError{
			Source: source,
			UserID: raw.UserID,
			Reason: "missing timestamp",
		}
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return model.RawEvent{}, &model.MalformedEventError{
			Source: source,
			UserID: raw.UserID,
			Reason: "unparsable timestamp " + raw.Timestamp,
		}
	}

	platform := model.Platform(raw.Platform)
	if !platform.Valid() {
		return model.RawEvent{}, &model.MalformedEventError{
			Source: source,
			UserID: raw.UserID,
			Reason: "unknown platform " + raw.Platform,
		}
	}

	return model.RawEvent{
		UserID:    raw.UserID,
		Platform:  platform,
		Timestamp: ts,
		Volume:    raw.Volume,
		Fee:       raw.Fee,
	}, nil
}
