package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/models"
)

// CampaignRepository stores campaigns.
type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign in draft status.
func (r *CampaignRepository) Create(c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	if c.Priority == 0 {
		c.Priority = 5
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, user_id, name, subject, body, html, from_email, from_name, reply_to,
			priority, status, schedule, variables, ab_test_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Subject, c.Body, c.HTML, c.FromEmail, c.FromName, c.ReplyTo,
		c.Priority, c.Status, c.Schedule, c.Variables, c.ABTestID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign or nil when absent.
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	var activatedAt, completedAt sql.NullTime
	err := r.db.QueryRow(`
		SELECT id, user_id, name, subject, body, html, from_email, from_name, reply_to,
			priority, status, schedule, variables, ab_test_id, created_at, updated_at, activated_at, completed_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Subject, &c.Body, &c.HTML, &c.FromEmail, &c.FromName, &c.ReplyTo,
		&c.Priority, &c.Status, &c.Schedule, &c.Variables, &c.ABTestID, &c.CreatedAt, &c.UpdatedAt, &activatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if activatedAt.Valid {
		c.ActivatedAt = &activatedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// List returns campaigns matching the filter, most recently updated first.
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]*models.Campaign, error) {
	query := `
		SELECT id, user_id, name, subject, body, html, from_email, from_name, reply_to,
			priority, status, schedule, variables, ab_test_id, created_at, updated_at, activated_at, completed_at
		FROM campaigns WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c := &models.Campaign{}
		var activatedAt, completedAt sql.NullTime
		err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Subject, &c.Body, &c.HTML, &c.FromEmail, &c.FromName, &c.ReplyTo,
			&c.Priority, &c.Status, &c.Schedule, &c.Variables, &c.ABTestID, &c.CreatedAt, &c.UpdatedAt, &activatedAt, &completedAt)
		if err != nil {
			return nil, err
		}
		if activatedAt.Valid {
			c.ActivatedAt = &activatedAt.Time
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.Time
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ListByStatus returns campaigns in the given status.
func (r *CampaignRepository) ListByStatus(status models.CampaignStatus) ([]*models.Campaign, error) {
	return r.List(models.CampaignListFilter{Status: status})
}

// UpdateStatus moves a campaign to a new status, recording activation and
// completion stamps as appropriate.
func (r *CampaignRepository) UpdateStatus(id string, status models.CampaignStatus) error {
	now := time.Now()

	switch status {
	case models.CampaignScheduled:
		_, err := r.db.Exec(
			"UPDATE campaigns SET status = ?, activated_at = ?, updated_at = ? WHERE id = ?",
			status, now, now, id)
		return err
	case models.CampaignSent, models.CampaignCancelled:
		_, err := r.db.Exec(
			"UPDATE campaigns SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?",
			status, now, now, id)
		return err
	default:
		_, err := r.db.Exec(
			"UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id)
		return err
	}
}

// Update rewrites the mutable fields of a draft campaign.
func (r *CampaignRepository) Update(c *models.Campaign) error {
	c.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE campaigns SET name = ?, subject = ?, body = ?, html = ?, from_email = ?, from_name = ?,
			reply_to = ?, priority = ?, schedule = ?, variables = ?, ab_test_id = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Subject, c.Body, c.HTML, c.FromEmail, c.FromName,
		c.ReplyTo, c.Priority, c.Schedule, c.Variables, c.ABTestID, c.UpdatedAt, c.ID,
	)
	return err
}

// Delete removes a campaign and, via cascade, its recipients.
func (r *CampaignRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM campaigns WHERE id = ?", id)
	return err
}
