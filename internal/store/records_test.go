package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-recap/internal/models"
)

func seedSession(t *testing.T, r *Records) (models.Campaign, models.Session) {
	t.Helper()
	ctx := context.Background()
	campaign := models.Campaign{Name: "Curse of the Salt Marsh", SettingContext: "A drowned coastline"}
	require.NoError(t, r.CreateCampaign(ctx, &campaign))
	session := models.Session{CampaignID: campaign.ID, Title: "Session 1", AudioFilePath: "/tmp/s1.mp3"}
	require.NoError(t, r.CreateSession(ctx, &session))
	return campaign, session
}

func TestMergeDescription(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		incoming string
		want     string
		changed  bool
	}{
		{"blank incoming", "A smuggler.", "  ", "A smuggler.", false},
		{"substring ignoring case", "A smuggler who owes the guild.", "a SMUGGLER", "A smuggler who owes the guild.", false},
		{"new detail appended", "A smuggler.", "Owns a tavern.", "A smuggler.\n\nOwns a tavern.", true},
		{"empty current", "", "Owns a tavern.", "Owns a tavern.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := mergeDescription(tt.current, tt.incoming)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestSessionStatusUpdates(t *testing.T) {
	r := NewRecords(openTestDB(t))
	ctx := context.Background()
	_, session := seedSession(t, r)
	assert.Equal(t, models.SessionPending, session.Status)

	msg := "audio file not found"
	require.NoError(t, r.UpdateSessionStatus(ctx, session.ID, models.SessionFailed, &msg))
	got, err := r.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)

	require.NoError(t, r.UpdateSessionStatus(ctx, session.ID, models.SessionTranscribing, nil))
	got, err = r.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTranscribing, got.Status)
	assert.Nil(t, got.ErrorMessage)

	require.NoError(t, r.UpdateSessionStatus(ctx, session.ID+100, models.SessionFailed, nil))
	_, err = r.GetSession(ctx, session.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveTranscriptOverwrites(t *testing.T) {
	r := NewRecords(openTestDB(t))
	ctx := context.Background()
	_, session := seedSession(t, r)

	require.NoError(t, r.SaveTranscript(ctx, &models.Transcript{
		SessionID: session.ID,
		RawText:   "first pass",
		WordCount: 2,
		Segments:  models.JSONList[models.Segment]{{ID: 0, Start: 0, End: 1, Text: "first pass"}},
	}))
	require.NoError(t, r.SaveTranscript(ctx, &models.Transcript{
		SessionID:       session.ID,
		RawText:         "second pass here",
		WordCount:       3,
		DurationSeconds: 42,
	}))

	got, err := r.GetTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "second pass here", got.RawText)
	assert.Equal(t, 3, got.WordCount)
	assert.Equal(t, 42.0, got.DurationSeconds)
	assert.Empty(t, got.Segments)

	var count int64
	require.NoError(t, r.db.Model(&models.Transcript{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	_, err = r.GetTranscript(ctx, session.ID+1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRecapOverwrites(t *testing.T) {
	r := NewRecords(openTestDB(t))
	ctx := context.Background()
	_, session := seedSession(t, r)

	require.NoError(t, r.SaveRecap(ctx, &models.Recap{SessionID: session.ID, BriefSummary: "old"}))
	require.NoError(t, r.SaveRecap(ctx, &models.Recap{
		SessionID:       session.ID,
		NarrativeRecap:  "The party crossed the marsh.",
		BriefSummary:    "new",
		MemorableQuotes: models.JSONList[models.Quote]{{Speaker: "Vex", Quote: "I hate boats."}},
		PlotHooks:       models.JSONList[models.PlotHook]{{Hook: "Who lit the beacon?", Importance: "major"}},
	}))

	got, err := r.GetRecap(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.BriefSummary)
	require.Len(t, got.MemorableQuotes, 1)
	assert.Equal(t, "Vex", got.MemorableQuotes[0].Speaker)
	require.Len(t, got.PlotHooks, 1)
	assert.Equal(t, "major", got.PlotHooks[0].Importance)
}

func TestUpsertEntityMergesByName(t *testing.T) {
	r := NewRecords(openTestDB(t))
	ctx := context.Background()
	campaign, session := seedSession(t, r)

	first, created, err := r.UpsertEntity(ctx, campaign.ID, session.ID, models.ExtractedEntity{
		Type: "NPC", Name: "Captain Morrow", Description: "A grizzled harbor master.", IsNew: true,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.EntityNPC, first.Type)
	require.NotNil(t, first.FirstSessionID)
	assert.Equal(t, session.ID, *first.FirstSessionID)

	later := models.Session{CampaignID: campaign.ID, Title: "Session 2"}
	require.NoError(t, r.CreateSession(ctx, &later))

	merged, created, err := r.UpsertEntity(ctx, campaign.ID, later.ID, models.ExtractedEntity{
		Type: "npc", Name: "captain morrow", Description: "Secretly funds the smugglers.",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, "A grizzled harbor master.\n\nSecretly funds the smugglers.", merged.Description)

	again, _, err := r.UpsertEntity(ctx, campaign.ID, later.ID, models.ExtractedEntity{
		Type: "npc", Name: "CAPTAIN MORROW", Description: "secretly funds the SMUGGLERS.",
	})
	require.NoError(t, err)
	assert.Equal(t, merged.Description, again.Description)

	entities, err := r.CampaignEntities(ctx, campaign.ID, "")
	require.NoError(t, err)
	assert.Len(t, entities, 1)

	linked, err := r.SessionEntities(ctx, later.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, first.ID, linked[0].ID)

	linked, err = r.SessionEntities(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 1)

	_, _, err = r.UpsertEntity(ctx, campaign.ID, session.ID, models.ExtractedEntity{Name: "  "})
	assert.Error(t, err)
}

func TestUpsertEntityIsScopedToCampaign(t *testing.T) {
	r := NewRecords(openTestDB(t))
	ctx := context.Background()
	campaign, session := seedSession(t, r)

	other := models.Campaign{Name: "Other"}
	require.NoError(t, r.CreateCampaign(ctx, &other))
	otherSession := models.Session{CampaignID: other.ID, Title: "Elsewhere"}
	require.NoError(t, r.CreateSession(ctx, &otherSession))

	_, created, err := r.UpsertEntity(ctx, campaign.ID, session.ID, models.ExtractedEntity{Type: "location", Name: "Saltmarsh"})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = r.UpsertEntity(ctx, other.ID, otherSession.ID, models.ExtractedEntity{Type: "location", Name: "Saltmarsh"})
	require.NoError(t, err)
	assert.True(t, created)

	chars := []models.Character{
		{CampaignID: campaign.ID, Name: "Vex", Class: "Rogue", Race: "Tiefling", PlayerName: "Sam"},
		{CampaignID: campaign.ID, Name: "Aldric", Class: "Paladin", Race: "Human", PlayerName: "Jo"},
	}
	for i := range chars {
		require.NoError(t, r.AddCharacter(ctx, &chars[i]))
	}
	roster, err := r.ListCharacters(ctx, campaign.ID)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "Aldric", roster[0].Name)
}
