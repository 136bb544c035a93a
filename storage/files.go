// Package storage keeps dead-lettered jobs on disk for operators.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sunsetsmail/queue"
)

// DeadLetter is the on-disk record of a job that exhausted its attempts.
type DeadLetter struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Error        string          `json:"error"`
	CreatedAt    time.Time       `json:"createdAt"`
	FailedAt     time.Time       `json:"failedAt"`
}

// Spool writes dead letters under dir, one dated directory per day.
type Spool struct {
	dir string
	now func() time.Time
}

// NewSpool returns a spool rooted at dir.
func NewSpool(dir string) *Spool {
	return &Spool{dir: dir, now: time.Now}
}

// Dir returns the spool root.
func (s *Spool) Dir() string {
	return s.dir
}

// Save records job and returns the written path. The recipient is only used,
// hashed, in the file name.
func (s *Spool) Save(job *queue.Job, recipient string, cause error) (string, error) {
	safeID, err := sanitizeComponent(job.ID)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	rec := DeadLetter{
		ID:           job.ID,
		Type:         job.Type,
		Data:         job.Data,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		Error:        job.FailedReason,
		CreatedAt:    job.CreatedAt.UTC(),
		FailedAt:     now,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if len(rec.Data) == 0 || !json.Valid(rec.Data) {
		rec.Data = json.RawMessage("null")
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode dead letter %s: %w", job.ID, err)
	}

	dir := filepath.Join(s.dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.json", safeID, hashRecipient(recipient)))
	if err := os.WriteFile(filename, payload, 0o600); err != nil {
		return "", err
	}
	return filename, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty identifier")
	}
	return v, nil
}

func hashRecipient(addr string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(addr))))
	return hex.EncodeToString(sum[:8])
}
