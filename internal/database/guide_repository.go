package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/trailmarket/tour-engine/internal/models"
)

// GuideRepository reads guides and their tours
type GuideRepository struct {
	db *sqlx.DB
}

// NewGuideRepository creates a new GuideRepository
func NewGuideRepository(db *sqlx.DB) *GuideRepository {
	return &GuideRepository{db: db}
}

// GetGuide returns nil, nil when not found
func (r *GuideRepository) GetGuide(ctx context.Context, guideID uuid.UUID) (*models.Guide, error) {
	var guide models.Guide
	err := r.db.GetContext(ctx, &guide, `
		SELECT id, display_name, email, stripe_account_id, payouts_enabled, pricing_settings, created_at
		FROM guides WHERE id = $1`, guideID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guide: %w", err)
	}
	return &guide, nil
}

// GetTour returns nil, nil when not found
func (r *GuideRepository) GetTour(ctx context.Context, tourID uuid.UUID) (*models.Tour, error) {
	var tour models.Tour
	err := r.db.GetContext(ctx, &tour, `
		SELECT id, guide_id, title, base_price, currency, status
		FROM tours WHERE id = $1`, tourID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tour: %w", err)
	}
	return &tour, nil
}

// ConversationRepository writes system notes into guide/guest conversations
type ConversationRepository struct {
	db *sqlx.DB
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(db *sqlx.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// PostSystemMessage appends a system note to a conversation
func (r *ConversationRepository) PostSystemMessage(ctx context.Context, conversationID uuid.UUID, body string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, kind, body)
		VALUES ($1, $2, $3, $4)`, uuid.New(), conversationID, models.MessageKindSystem, body)
	if err != nil {
		return fmt.Errorf("failed to post system message: %w", err)
	}
	return nil
}
