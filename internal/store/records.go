package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"session-recap/internal/models"
)

// Records reads and writes campaigns, sessions and the artifacts produced by
// the pipeline.
type Records struct {
	db *gorm.DB
}

// NewRecords creates a records repository.
func NewRecords(db *gorm.DB) *Records {
	return &Records{db: db}
}

// CreateCampaign inserts a campaign.
func (r *Records) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches a campaign by id.
func (r *Records) GetCampaign(ctx context.Context, id int64) (models.Campaign, error) {
	var c models.Campaign
	if err := take(r.db.WithContext(ctx), &c, id); err != nil {
		return models.Campaign{}, fmt.Errorf("campaign %d: %w", id, err)
	}
	return c, nil
}

// AddCharacter adds a character to a campaign's party roster.
func (r *Records) AddCharacter(ctx context.Context, c *models.Character) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("add character: %w", err)
	}
	return nil
}

// ListCharacters returns the party roster ordered by name.
func (r *Records) ListCharacters(ctx context.Context, campaignID int64) ([]models.Character, error) {
	var out []models.Character
	err := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("name").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return out, nil
}

// CreateSession inserts a session, defaulting its status to pending.
func (r *Records) CreateSession(ctx context.Context, s *models.Session) error {
	if s.Status == "" {
		s.Status = models.SessionPending
	}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (r *Records) GetSession(ctx context.Context, id int64) (models.Session, error) {
	var s models.Session
	if err := take(r.db.WithContext(ctx), &s, id); err != nil {
		return models.Session{}, fmt.Errorf("session %d: %w", id, err)
	}
	return s, nil
}

// UpdateSessionStatus sets a session's status and error message. A nil
// message clears any previous error. Updating a missing session is a no-op.
func (r *Records) UpdateSessionStatus(ctx context.Context, id int64, status string, errMsg *string) error {
	err := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        status,
			"error_message": errMsg,
		}).Error
	if err != nil {
		return fmt.Errorf("update session %d status: %w", id, err)
	}
	return nil
}

// SaveTranscript writes the transcript for its session, replacing any
// previous one.
func (r *Records) SaveTranscript(ctx context.Context, t *models.Transcript) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"raw_text", "segments", "word_count", "duration_seconds", "updated_at"}),
	}).Create(t).Error
	if err != nil {
		return fmt.Errorf("save transcript for session %d: %w", t.SessionID, err)
	}
	return nil
}

// GetTranscript fetches the transcript for a session.
func (r *Records) GetTranscript(ctx context.Context, sessionID int64) (models.Transcript, error) {
	var t models.Transcript
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&t).Error
	if err != nil {
		return models.Transcript{}, fmt.Errorf("transcript for session %d: %w", sessionID, notFound(err))
	}
	return t, nil
}

// SaveRecap writes the recap for its session, replacing any previous one.
func (r *Records) SaveRecap(ctx context.Context, rc *models.Recap) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"narrative_recap", "brief_summary", "memorable_quotes", "plot_hooks", "updated_at"}),
	}).Create(rc).Error
	if err != nil {
		return fmt.Errorf("save recap for session %d: %w", rc.SessionID, err)
	}
	return nil
}

// GetRecap fetches the recap for a session.
func (r *Records) GetRecap(ctx context.Context, sessionID int64) (models.Recap, error) {
	var rc models.Recap
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&rc).Error
	if err != nil {
		return models.Recap{}, fmt.Errorf("recap for session %d: %w", sessionID, notFound(err))
	}
	return rc, nil
}

// UpsertEntity merges an extracted entity into the campaign catalog and links
// it to the session. Names match case-insensitively within the campaign. It
// reports whether a new entity row was created.
func (r *Records) UpsertEntity(ctx context.Context, campaignID, sessionID int64, in models.ExtractedEntity) (models.Entity, bool, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Entity{}, false, errors.New("upsert entity: name is required")
	}

	var (
		entity  models.Entity
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("campaign_id = ? AND LOWER(name) = LOWER(?)", campaignID, name).
			Order("id ASC").
			Take(&entity).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			first := sessionID
			entity = models.Entity{
				CampaignID:     campaignID,
				Type:           normalizeEntityType(in.Type),
				Name:           name,
				Description:    strings.TrimSpace(in.Description),
				FirstSessionID: &first,
				Metadata:       "{}",
			}
			if err := tx.Create(&entity).Error; err != nil {
				return fmt.Errorf("create entity %q: %w", name, err)
			}
			created = true
		case err != nil:
			return fmt.Errorf("find entity %q: %w", name, err)
		default:
			if merged, changed := mergeDescription(entity.Description, in.Description); changed {
				entity.Description = merged
				if err := tx.Model(&entity).Update("description", merged).Error; err != nil {
					return fmt.Errorf("update entity %d: %w", entity.ID, err)
				}
			}
		}

		link := models.SessionEntity{SessionID: sessionID, EntityID: entity.ID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			return fmt.Errorf("link entity %d to session %d: %w", entity.ID, sessionID, err)
		}
		return nil
	})
	if err != nil {
		return models.Entity{}, false, err
	}
	return entity, created, nil
}

// SessionEntities returns the entities linked to a session.
func (r *Records) SessionEntities(ctx context.Context, sessionID int64) ([]models.Entity, error) {
	var out []models.Entity
	err := r.db.WithContext(ctx).
		Joins("JOIN session_entities se ON se.entity_id = entities.id").
		Where("se.session_id = ?", sessionID).
		Order("entities.entity_type, entities.name").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("session %d entities: %w", sessionID, err)
	}
	return out, nil
}

// CampaignEntities returns a campaign's catalog, optionally of one type.
func (r *Records) CampaignEntities(ctx context.Context, campaignID int64, entityType string) ([]models.Entity, error) {
	q := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	var out []models.Entity
	if err := q.Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("campaign %d entities: %w", campaignID, err)
	}
	return out, nil
}

// mergeDescription appends incoming to current unless it adds nothing new.
func mergeDescription(current, incoming string) (string, bool) {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return current, false
	}
	if strings.Contains(strings.ToLower(current), strings.ToLower(incoming)) {
		return current, false
	}
	if strings.TrimSpace(current) == "" {
		return incoming, true
	}
	return current + "\n\n" + incoming, true
}

func normalizeEntityType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return models.EntityUnknown
	}
	return t
}

func take(db *gorm.DB, dest any, id int64) error {
	return notFound(db.Take(dest, id).Error)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
