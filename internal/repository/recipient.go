package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/models"
)

// RecipientRepository stores campaign recipients.
type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Add inserts recipients, skipping duplicates within the campaign.
func (r *RecipientRepository) Add(campaignID string, recipients []*models.Recipient) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO recipients (id, campaign_id, email, name, variables, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	now := time.Now()
	for _, rec := range recipients {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		res, err := stmt.Exec(rec.ID, campaignID, rec.Email, rec.Name, rec.Variables, now)
		if err != nil {
			return added, fmt.Errorf("failed to add recipient %s: %w", rec.Email, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	return added, tx.Commit()
}

// ListByCampaign returns all recipients of a campaign.
func (r *RecipientRepository) ListByCampaign(campaignID string) ([]*models.Recipient, error) {
	rows, err := r.db.Query(`
		SELECT id, campaign_id, email, name, variables, created_at
		FROM recipients WHERE campaign_id = ? ORDER BY created_at, email`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []*models.Recipient
	for rows.Next() {
		rec := &models.Recipient{}
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.Email, &rec.Name, &rec.Variables, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// Get returns one recipient of a campaign or nil when absent.
func (r *RecipientRepository) Get(campaignID, email string) (*models.Recipient, error) {
	rec := &models.Recipient{}
	err := r.db.QueryRow(`
		SELECT id, campaign_id, email, name, variables, created_at
		FROM recipients WHERE campaign_id = ? AND email = ?`, campaignID, email,
	).Scan(&rec.ID, &rec.CampaignID, &rec.Email, &rec.Name, &rec.Variables, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Count returns how many recipients a campaign has.
func (r *RecipientRepository) Count(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM recipients WHERE campaign_id = ?", campaignID).Scan(&n)
	return n, err
}
