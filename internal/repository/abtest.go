package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/models"
)

// ABTestRepository stores tests, variants, assignments and counters.
type ABTestRepository struct {
	db *sql.DB
}

func NewABTestRepository(db *sql.DB) *ABTestRepository {
	return &ABTestRepository{db: db}
}

// CreateTest inserts a test together with its variants.
func (r *ABTestRepository) CreateTest(test *models.ABTest, variants []*models.Variant) error {
	if test.ID == "" {
		test.ID = uuid.New().String()
	}
	if test.Status == "" {
		test.Status = models.ABTestRunning
	}
	if test.Metric == "" {
		test.Metric = models.MetricOpen
	}
	test.CreatedAt = time.Now()

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO ab_tests (id, campaign_id, name, metric, status, confidence_level, min_sample_size,
			bayesian_enabled, probability_threshold, expected_loss_tolerance, automatic_winner,
			winner_variant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		test.ID, test.CampaignID, test.Name, test.Metric, test.Status, test.ConfidenceLevel, test.MinSampleSize,
		test.BayesianEnabled, test.ProbabilityThreshold, test.ExpectedLossTolerance, test.AutomaticWinner,
		test.WinnerVariantID, test.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create test: %w", err)
	}

	for _, v := range variants {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.TestID = test.ID
		v.CreatedAt = test.CreatedAt
		_, err = tx.Exec(`
			INSERT INTO ab_variants (id, test_id, name, is_control, allocation_percent,
				subject_override, body_override, html_override, from_name_override, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.TestID, v.Name, v.IsControl, v.AllocationPercent,
			v.SubjectOverride, v.BodyOverride, v.HTMLOverride, v.FromNameOverride, v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create variant %s: %w", v.Name, err)
		}
	}

	return tx.Commit()
}

// GetTest returns a test or nil when absent.
func (r *ABTestRepository) GetTest(id string) (*models.ABTest, error) {
	t := &models.ABTest{}
	var completedAt sql.NullTime
	err := r.db.QueryRow(`
		SELECT id, campaign_id, name, metric, status, confidence_level, min_sample_size,
			bayesian_enabled, probability_threshold, expected_loss_tolerance, automatic_winner,
			winner_variant_id, created_at, completed_at
		FROM ab_tests WHERE id = ?`, id,
	).Scan(&t.ID, &t.CampaignID, &t.Name, &t.Metric, &t.Status, &t.ConfidenceLevel, &t.MinSampleSize,
		&t.BayesianEnabled, &t.ProbabilityThreshold, &t.ExpectedLossTolerance, &t.AutomaticWinner,
		&t.WinnerVariantID, &t.CreatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// ListRunning returns all tests still collecting data.
func (r *ABTestRepository) ListRunning() ([]*models.ABTest, error) {
	rows, err := r.db.Query("SELECT id FROM ab_tests WHERE status = ?", models.ABTestRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tests []*models.ABTest
	for _, id := range ids {
		t, err := r.GetTest(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tests = append(tests, t)
		}
	}
	return tests, nil
}

// GetVariants returns a test's variants in creation order.
func (r *ABTestRepository) GetVariants(testID string) ([]*models.Variant, error) {
	rows, err := r.db.Query(`
		SELECT id, test_id, name, is_control, allocation_percent,
			subject_override, body_override, html_override, from_name_override, created_at
		FROM ab_variants WHERE test_id = ? ORDER BY created_at, name`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []*models.Variant
	for rows.Next() {
		v := &models.Variant{}
		err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.IsControl, &v.AllocationPercent,
			&v.SubjectOverride, &v.BodyOverride, &v.HTMLOverride, &v.FromNameOverride, &v.CreatedAt)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// DeclareWinner records the winning variant and completes the test.
func (r *ABTestRepository) DeclareWinner(testID, variantID string) error {
	_, err := r.db.Exec(`
		UPDATE ab_tests SET status = ?, winner_variant_id = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		models.ABTestCompleted, variantID, time.Now(), testID, models.ABTestRunning)
	return err
}

// GetAssignment returns the persisted assignment for a recipient, "" when
// none exists yet.
func (r *ABTestRepository) GetAssignment(testID, email string) (string, error) {
	var variantID string
	err := r.db.QueryRow(
		"SELECT variant_id FROM ab_assignments WHERE test_id = ? AND email = ?",
		testID, email).Scan(&variantID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return variantID, err
}

// SaveAssignment persists an assignment; an existing one is left untouched
// so allocation stays idempotent under retries.
func (r *ABTestRepository) SaveAssignment(testID, email, variantID string) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO ab_assignments (test_id, email, variant_id, created_at)
		VALUES (?, ?, ?, ?)`,
		testID, email, variantID, time.Now())
	return err
}

// CountAssignments returns how many recipients each variant holds.
func (r *ABTestRepository) CountAssignments(testID string) (map[string]int, error) {
	rows, err := r.db.Query(
		"SELECT variant_id, COUNT(*) FROM ab_assignments WHERE test_id = ? GROUP BY variant_id", testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// Increment atomically bumps one counter column for a variant. The column
// name is restricted to the known set, everything else is rejected.
func (r *ABTestRepository) Increment(variantID, counter string, delta float64) error {
	switch counter {
	case "sent", "delivered", "opened", "clicked", "converted", "bounced", "unsubscribed", "revenue":
	default:
		return fmt.Errorf("unknown counter: %s", counter)
	}

	query := fmt.Sprintf(`
		INSERT INTO ab_counters (variant_id, %s) VALUES (?, ?)
		ON CONFLICT(variant_id) DO UPDATE SET %s = %s + excluded.%s`,
		counter, counter, counter, counter)
	_, err := r.db.Exec(query, variantID, delta)
	return err
}

// GetCounters returns a variant's outcome tallies, zeroed when none exist.
func (r *ABTestRepository) GetCounters(variantID string) (*models.Counters, error) {
	c := &models.Counters{VariantID: variantID}
	err := r.db.QueryRow(`
		SELECT sent, delivered, opened, clicked, converted, bounced, unsubscribed, revenue
		FROM ab_counters WHERE variant_id = ?`, variantID,
	).Scan(&c.Sent, &c.Delivered, &c.Opened, &c.Clicked, &c.Converted, &c.Bounced, &c.Unsubscribed, &c.Revenue)

	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
