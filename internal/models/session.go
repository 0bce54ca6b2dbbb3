package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Session lifecycle states. Only job handlers move a session past pending.
const (
	SessionPending      = "pending"
	SessionTranscribing = "transcribing"
	SessionProcessing   = "processing"
	SessionComplete     = "complete"
	SessionFailed       = "failed"
)

// Campaign is the scope for sessions and the entity catalog.
type Campaign struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID         int64     `json:"user_id"`
	Name           string    `json:"name" gorm:"size:255;not null"`
	Description    string    `json:"description" gorm:"type:text"`
	GameSystem     string    `json:"game_system" gorm:"size:100"`
	SettingContext string    `json:"setting_context" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Character is a member of the party roster.
type Character struct {
	ID         int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	CampaignID int64  `json:"campaign_id" gorm:"not null;index"`
	Name       string `json:"name" gorm:"size:255;not null"`
	Class      string `json:"class" gorm:"size:100"`
	Race       string `json:"race" gorm:"size:100"`
	PlayerName string `json:"player_name" gorm:"size:255"`
}

// TableName keeps the roster table name used by the migrations.
func (Character) TableName() string { return "campaign_characters" }

// Session is one recorded play session.
type Session struct {
	ID                   int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	CampaignID           int64      `json:"campaign_id" gorm:"not null;index"`
	Title                string     `json:"title" gorm:"size:255;not null"`
	SessionNumber        *int       `json:"session_number,omitempty"`
	SessionDate          *time.Time `json:"session_date,omitempty"`
	AudioFilePath        string     `json:"audio_file_path" gorm:"size:1024"`
	AudioDurationSeconds *int       `json:"audio_duration_seconds,omitempty"`
	Status               string     `json:"status" gorm:"size:16;not null;default:pending"`
	ErrorMessage         *string    `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Segment is one timestamped span of a transcription.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is written by the transcribe stage, one per session.
type Transcript struct {
	ID              int64             `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID       int64             `json:"session_id" gorm:"not null;uniqueIndex"`
	RawText         string            `json:"raw_text" gorm:"type:text"`
	Segments        JSONList[Segment] `json:"segments" gorm:"type:text"`
	WordCount       int               `json:"word_count"`
	DurationSeconds float64           `json:"duration_seconds"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Quote is a memorable line from the session.
type Quote struct {
	Speaker string `json:"speaker"`
	Quote   string `json:"quote"`
	Context string `json:"context"`
}

// PlotHook is an unresolved thread surfaced by the recap.
type PlotHook struct {
	Hook       string `json:"hook"`
	Importance string `json:"importance"`
}

// Recap is written by the summarize stage, one per session.
type Recap struct {
	ID              int64              `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID       int64              `json:"session_id" gorm:"not null;uniqueIndex"`
	NarrativeRecap  string             `json:"narrative_recap" gorm:"type:text"`
	BriefSummary    string             `json:"brief_summary" gorm:"type:text"`
	MemorableQuotes JSONList[Quote]    `json:"memorable_quotes" gorm:"type:text"`
	PlotHooks       JSONList[PlotHook] `json:"plot_hooks" gorm:"type:text"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Entity types the summarizer is asked to extract.
const (
	EntityNPC      = "npc"
	EntityLocation = "location"
	EntityItem     = "item"
	EntityFaction  = "faction"
	EntityEvent    = "event"
	EntityUnknown  = "unknown"
)

// Entity is a campaign-scoped wiki entry. Names are unique per campaign
// ignoring case.
type Entity struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	CampaignID     int64     `json:"campaign_id" gorm:"not null;index"`
	Type           string    `json:"type" gorm:"column:entity_type;size:32;not null"`
	Name           string    `json:"name" gorm:"size:255;not null"`
	Description    string    `json:"description" gorm:"type:text"`
	FirstSessionID *int64    `json:"first_session_id,omitempty"`
	Metadata       string    `json:"metadata" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionEntity links an entity to a session it appeared in.
type SessionEntity struct {
	SessionID int64  `json:"session_id" gorm:"primaryKey;autoIncrement:false"`
	EntityID  int64  `json:"entity_id" gorm:"primaryKey;autoIncrement:false"`
	Context   string `json:"context" gorm:"type:text"`
}

// ExtractedEntity is an entity as returned by the summarization service.
type ExtractedEntity struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsNew       bool   `json:"is_new"`
}

// JSONList stores a slice as a JSON text column.
type JSONList[T any] []T

// Value implements driver.Valuer.
func (l JSONList[T]) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]T(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *JSONList[T]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("scan json list: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}
