package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"session-recap/internal/models"
	"session-recap/internal/summarize"
)

// Summarize runs the second stage: transcript to recap and catalog entries.
func (p *Pipeline) Summarize(ctx context.Context, args SessionArgs) error {
	logger := p.logger.With("session_id", args.SessionID, "stage", "summarize")
	start := time.Now()
	if err := p.summarize(ctx, args.SessionID); err != nil {
		logger.Error("summarization failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return p.fail(ctx, logger, args.SessionID, err)
	}
	logger.Info("session processing complete", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (p *Pipeline) summarize(ctx context.Context, sessionID int64) error {
	session, err := p.records.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	transcript, err := p.records.GetTranscript(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	campaign, err := p.records.GetCampaign(ctx, session.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	characters, err := p.records.ListCharacters(ctx, session.CampaignID)
	if err != nil {
		return err
	}

	res, err := p.summarizer.Summarize(ctx, summarize.Request{
		Transcript: transcript.RawText,
		Setting:    campaign.SettingContext,
		Characters: characters,
	})
	if err != nil {
		return err
	}

	recap := models.Recap{
		SessionID:       sessionID,
		NarrativeRecap:  res.NarrativeRecap,
		BriefSummary:    res.BriefSummary,
		MemorableQuotes: models.JSONList[models.Quote](res.MemorableQuotes),
		PlotHooks:       models.JSONList[models.PlotHook](res.PlotHooks),
	}
	if err := p.records.SaveRecap(ctx, &recap); err != nil {
		return err
	}

	created, merged := 0, 0
	for _, extracted := range res.Entities {
		if strings.TrimSpace(extracted.Name) == "" {
			p.logger.Warn("skipping unnamed entity", "session_id", sessionID, "type", extracted.Type)
			continue
		}
		_, isNew, err := p.records.UpsertEntity(ctx, session.CampaignID, sessionID, extracted)
		if err != nil {
			return err
		}
		if isNew {
			created++
		} else {
			merged++
		}
	}
	p.logger.Info("recap saved",
		"session_id", sessionID,
		"campaign_id", session.CampaignID,
		"quotes", len(res.MemorableQuotes),
		"plot_hooks", len(res.PlotHooks),
		"entities_created", created,
		"entities_merged", merged,
	)

	return p.records.UpdateSessionStatus(ctx, sessionID, models.SessionComplete, nil)
}
