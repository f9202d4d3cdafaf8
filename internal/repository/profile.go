package repository

import (
	"database/sql"
	"time"

	"github.com/foxzi/campaigner/internal/models"
)

// ProfileRepository stores per-recipient preferred send hours.
type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Get returns a recipient's send-hour profile or nil when none is recorded.
func (r *ProfileRepository) Get(email string) (*models.SendHourProfile, error) {
	p := &models.SendHourProfile{}
	var lastSent sql.NullTime
	err := r.db.QueryRow(`
		SELECT email, preferred_hour, timezone, last_sent_at, updated_at
		FROM send_hour_profiles WHERE email = ?`, email,
	).Scan(&p.Email, &p.PreferredHour, &p.Timezone, &lastSent, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSent.Valid {
		p.LastSentAt = &lastSent.Time
	}
	return p, nil
}

// Upsert records or replaces a recipient's preferred hour and timezone.
func (r *ProfileRepository) Upsert(p *models.SendHourProfile) error {
	p.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		INSERT INTO send_hour_profiles (email, preferred_hour, timezone, last_sent_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			preferred_hour = excluded.preferred_hour,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at`,
		p.Email, p.PreferredHour, p.Timezone, p.LastSentAt, p.UpdatedAt)
	return err
}

// TouchLastSent stamps the time the recipient last received mail. Recipients
// without a profile get one with the default hour left unset.
func (r *ProfileRepository) TouchLastSent(email string, at time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO send_hour_profiles (email, preferred_hour, timezone, last_sent_at, updated_at)
		VALUES (?, -1, '', ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			last_sent_at = excluded.last_sent_at,
			updated_at = excluded.updated_at`,
		email, at, at)
	return err
}
