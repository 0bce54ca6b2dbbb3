package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job lifecycle states persisted in the jobs table.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

const (
	// DefaultQueue is used when a caller does not name a queue.
	DefaultQueue = "default"
	// MaxAttempts bounds how many times a job is claimed before it stays failed.
	MaxAttempts = 3
)

// Job represents a unit of work persisted in the jobs table.
type Job struct {
	ID           int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Queue        string     `json:"queue" gorm:"size:64;not null;index:idx_jobs_claim,priority:1"`
	Payload      Payload    `json:"payload" gorm:"type:text;not null"`
	Status       string     `json:"status" gorm:"size:16;not null;index:idx_jobs_claim,priority:2"`
	Attempts     int        `json:"attempts" gorm:"not null;default:0"`
	AvailableAt  time.Time  `json:"available_at" gorm:"not null;index:idx_jobs_claim,priority:3"`
	WorkerID     *string    `json:"worker_id,omitempty" gorm:"size:128"`
	ErrorMessage *string    `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt    time.Time  `json:"created_at" gorm:"not null"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CanRetry reports whether the job still has attempts left.
func (j Job) CanRetry() bool {
	return j.Attempts < MaxAttempts
}

// Payload is the stored job body: the handler identifier plus its arguments.
type Payload struct {
	Handler string          `json:"job"`
	Args    json.RawMessage `json:"data"`

	decodeErr error
}

// Err reports why a stored payload could not be decoded. A job with an
// undecodable payload is still claimable so it can be failed.
func (p Payload) Err() error {
	return p.decodeErr
}

// NewPayload marshals args for the named handler.
func NewPayload(handler string, args any) (Payload, error) {
	if handler == "" {
		return Payload{}, errors.New("payload handler is required")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal job args: %w", err)
	}
	return Payload{Handler: handler, Args: raw}, nil
}

// Value implements driver.Valuer so the payload is stored as JSON text.
func (p Payload) Value() (driver.Value, error) {
	if len(p.Args) == 0 {
		p.Args = json.RawMessage("{}")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		*p = Payload{}
		return nil
	default:
		return fmt.Errorf("scan payload: unsupported type %T", src)
	}
	var decoded Payload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		*p = Payload{decodeErr: fmt.Errorf("decode payload: %w", err)}
		return nil
	}
	*p = decoded
	return nil
}
