package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferRepository_Transitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("MarkPaymentPending Wins", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOfferRepository(db)
		offerID := uuid.New()

		mock.ExpectExec(`(?s)UPDATE tour_offers\s+SET status = 'payment_pending'.*status = ANY\(\$2\) AND expires_at > \$3`).
			WithArgs(offerID, pq.Array([]string{"pending"}), now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.MarkPaymentPending(ctx, offerID, now)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MarkPaymentPending Loses", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOfferRepository(db)

		mock.ExpectExec(`UPDATE tour_offers`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.MarkPaymentPending(ctx, uuid.New(), now)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MarkDeclined From Open States", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOfferRepository(db)
		offerID := uuid.New()
		reason := "dates do not work"

		mock.ExpectExec(`(?s)SET status = 'declined'.*status = ANY\(\$3\) AND expires_at > \$4`).
			WithArgs(offerID, reason, pq.Array([]string{"payment_pending", "pending"}), now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.MarkDeclined(ctx, offerID, &reason, now)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MarkExpired Requires Deadline Passed", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOfferRepository(db)
		offerID := uuid.New()

		mock.ExpectExec(`(?s)SET status = 'expired'.*expires_at <= \$3`).
			WithArgs(offerID, pq.Array([]string{"payment_pending", "pending"}), now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.MarkExpired(ctx, offerID, now)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOfferRepository_ExpireOfferAndArchiveDraft(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("Archives Draft Tour", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOfferRepository(db)
		offerID := uuid.New()
		draftID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)UPDATE tour_offers.*status = 'pending' AND expires_at < \$2.*RETURNING draft_tour_id`).
			WithArgs(offerID, now).
			WillReturnRows(sqlmock.NewRows([]string{"draft_tour_id"}).AddRow(draftID.String()))
		mock.ExpectExec(`UPDATE tours SET status = 'archived'`).
			WithArgs(draftID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		expired, err := repo.ExpireOfferAndArchiveDraft(ctx, offerID, now)
		require.NoError(t, err)
		assert.True(t, expired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Without Draft Tour", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOfferRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE tour_offers`).
			WillReturnRows(sqlmock.NewRows([]string{"draft_tour_id"}).AddRow(nil))
		mock.ExpectCommit()

		expired, err := repo.ExpireOfferAndArchiveDraft(ctx, uuid.New(), now)
		require.NoError(t, err)
		assert.True(t, expired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Offer Moved On", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOfferRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE tour_offers`).
			WillReturnRows(sqlmock.NewRows([]string{"draft_tour_id"}))
		mock.ExpectCommit()

		expired, err := repo.ExpireOfferAndArchiveDraft(ctx, uuid.New(), now)
		require.NoError(t, err)
		assert.False(t, expired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
