package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"session-recap/internal/audio"
	"session-recap/internal/models"
	"session-recap/internal/transcribe"
	"session-recap/internal/worker"
)

// Transcribe runs the first stage: audio to transcript, then queues the
// summarize stage on the same queue.
func (p *Pipeline) Transcribe(ctx context.Context, args SessionArgs) error {
	logger := p.logger.With("session_id", args.SessionID, "stage", "transcribe")
	start := time.Now()
	if err := p.transcribe(ctx, args.SessionID); err != nil {
		logger.Error("transcription failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return p.fail(ctx, logger, args.SessionID, err)
	}
	logger.Info("transcription complete", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, sessionID int64) error {
	if err := p.records.UpdateSessionStatus(ctx, sessionID, models.SessionTranscribing, nil); err != nil {
		return err
	}
	session, err := p.records.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	path := strings.TrimSpace(session.AudioFilePath)
	if path == "" {
		return errNoAudioPath
	}

	size, err := p.audio.Size(ctx, path)
	if err != nil {
		return err
	}
	if err := transcribe.CheckSize(size); err != nil {
		return worker.Permanent(err)
	}
	rc, err := p.audio.Open(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	p.logger.Debug("sending audio for transcription", "session_id", sessionID, "file", audio.Name(path), "size_bytes", size)
	res, err := p.transcriber.Transcribe(ctx, audio.Name(path), rc)
	if err != nil {
		if errors.Is(err, transcribe.ErrFileTooLarge) {
			return worker.Permanent(err)
		}
		return err
	}

	transcript := models.Transcript{
		SessionID:       sessionID,
		RawText:         res.Text,
		Segments:        models.JSONList[models.Segment](res.Segments),
		WordCount:       countWords(res.Text),
		DurationSeconds: res.Duration,
	}
	if err := p.records.SaveTranscript(ctx, &transcript); err != nil {
		return err
	}
	if err := p.records.UpdateSessionStatus(ctx, sessionID, models.SessionProcessing, nil); err != nil {
		return err
	}

	jobID, err := p.queue.Push(ctx, SummarizeHandler, SessionArgs{SessionID: sessionID}, jobQueue(ctx))
	if err != nil {
		return fmt.Errorf("queue summarization: %w", err)
	}
	p.logger.Info("transcript saved",
		"session_id", sessionID,
		"words", transcript.WordCount,
		"segments", len(res.Segments),
		"duration_seconds", res.Duration,
		"summarize_job_id", jobID,
	)
	return nil
}
