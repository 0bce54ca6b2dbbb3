// Package pipeline holds the two job handlers that turn an uploaded session
// recording into a transcript, a recap and campaign wiki entries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode"

	"session-recap/internal/audio"
	"session-recap/internal/models"
	"session-recap/internal/summarize"
	"session-recap/internal/transcribe"
	"session-recap/internal/worker"
)

// Handler identifiers stored in job payloads.
const (
	TranscribeHandler = "transcribe_session"
	SummarizeHandler  = "summarize_session"
)

// SessionArgs are the arguments of both pipeline jobs.
type SessionArgs struct {
	SessionID int64 `json:"session_id"`
}

// Validate rejects payloads that can never succeed.
func (a SessionArgs) Validate() error {
	if a.SessionID <= 0 {
		return fmt.Errorf("session_id must be positive, got %d", a.SessionID)
	}
	return nil
}

// Records is the persistence the handlers need.
type Records interface {
	GetSession(ctx context.Context, id int64) (models.Session, error)
	UpdateSessionStatus(ctx context.Context, id int64, status string, errMsg *string) error
	GetCampaign(ctx context.Context, id int64) (models.Campaign, error)
	ListCharacters(ctx context.Context, campaignID int64) ([]models.Character, error)
	SaveTranscript(ctx context.Context, t *models.Transcript) error
	GetTranscript(ctx context.Context, sessionID int64) (models.Transcript, error)
	SaveRecap(ctx context.Context, rc *models.Recap) error
	UpsertEntity(ctx context.Context, campaignID, sessionID int64, in models.ExtractedEntity) (models.Entity, bool, error)
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, r io.Reader) (transcribe.Result, error)
}

// Summarizer produces a recap from a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, req summarize.Request) (summarize.Result, error)
}

// Enqueuer pushes follow-up jobs.
type Enqueuer interface {
	Push(ctx context.Context, handler string, args any, queue string) (int64, error)
}

// Pipeline runs the transcribe and summarize stages.
type Pipeline struct {
	records     Records
	audio       audio.Source
	transcriber Transcriber
	summarizer  Summarizer
	queue       Enqueuer
	logger      *slog.Logger
}

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	Records     Records
	Audio       audio.Source
	Transcriber Transcriber
	Summarizer  Summarizer
	Queue       Enqueuer
	Logger      *slog.Logger
}

// New builds a pipeline.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		records:     d.Records,
		audio:       d.Audio,
		transcriber: d.Transcriber,
		summarizer:  d.Summarizer,
		queue:       d.Queue,
		logger:      logger,
	}
}

// Register binds both handlers on reg.
func (p *Pipeline) Register(reg *worker.Registry) {
	reg.Register(TranscribeHandler, worker.Typed(p.Transcribe))
	reg.Register(SummarizeHandler, worker.Typed(p.Summarize))
}

// fail records err on the session and returns it unchanged.
func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, sessionID int64, err error) error {
	msg := err.Error()
	if uerr := p.records.UpdateSessionStatus(ctx, sessionID, models.SessionFailed, &msg); uerr != nil {
		logger.Error("record session failure", "error", uerr)
	}
	return err
}

func jobQueue(ctx context.Context) string {
	if job, ok := worker.JobFromContext(ctx); ok && job.Queue != "" {
		return job.Queue
	}
	return models.DefaultQueue
}

// countWords counts runs of letters, apostrophes and hyphens.
func countWords(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if unicode.IsLetter(r) || r == '\'' || r == '-' {
			if !inWord {
				n++
				inWord = true
			}
			continue
		}
		inWord = false
	}
	return n
}

var errNoAudioPath = errors.New("session has no audio file")
