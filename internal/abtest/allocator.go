package abtest

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/repository"
)

// Allocator assigns recipients to test variants. Assignment is a pure hash
// of (testID, recipient) mapped onto the variants' cumulative allocation
// ranges, so it is deterministic and needs no coordination. A persisted
// assignment always wins over recomputation, which keeps recipients on their
// original variant when allocation percentages change mid-test.
type Allocator struct {
	repo *repository.ABTestRepository
}

func NewAllocator(repo *repository.ABTestRepository) *Allocator {
	return &Allocator{repo: repo}
}

// Prepare loads and validates a test for activation. Allocations must sum to
// exactly 100 across variants.
func (a *Allocator) Prepare(testID string) (*models.ABTest, []*models.Variant, error) {
	test, err := a.repo.GetTest(testID)
	if err != nil {
		return nil, nil, err
	}
	if test == nil {
		return nil, nil, fmt.Errorf("ab test %s not found", testID)
	}

	variants, err := a.repo.GetVariants(testID)
	if err != nil {
		return nil, nil, err
	}
	if len(variants) < 2 {
		return nil, nil, fmt.Errorf("ab test %s needs at least 2 variants, has %d", testID, len(variants))
	}

	sum := 0
	for _, v := range variants {
		if v.AllocationPercent < 0 {
			return nil, nil, fmt.Errorf("variant %s has negative allocation", v.Name)
		}
		sum += v.AllocationPercent
	}
	if sum != 100 {
		return nil, nil, fmt.Errorf("variant allocations must sum to 100, got %d", sum)
	}
	return test, variants, nil
}

// Assign returns the variant for a recipient, persisting first-time
// assignments. Once a winner is declared all new assignments go to it.
func (a *Allocator) Assign(test *models.ABTest, variants []*models.Variant, email string) (string, error) {
	existing, err := a.repo.GetAssignment(test.ID, email)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	var variantID string
	if test.WinnerVariantID != "" {
		variantID = test.WinnerVariantID
	} else {
		variantID = pickVariant(variants, hashFraction(test.ID, email))
	}

	if err := a.repo.SaveAssignment(test.ID, email, variantID); err != nil {
		return "", err
	}
	// A concurrent writer may have got there first; the stored row wins.
	stored, err := a.repo.GetAssignment(test.ID, email)
	if err != nil {
		return "", err
	}
	return stored, nil
}

// hashFraction maps (testID, email) onto [0, 100).
func hashFraction(testID, email string) float64 {
	h := sha256.Sum256([]byte(testID + ":" + email))
	n := binary.BigEndian.Uint64(h[:8])
	return float64(n) / float64(1<<63) / 2 * 100
}

func pickVariant(variants []*models.Variant, pct float64) string {
	cum := 0.0
	for _, v := range variants {
		cum += float64(v.AllocationPercent)
		if pct < cum {
			return v.ID
		}
	}
	// Guard against float edge at exactly 100.
	return variants[len(variants)-1].ID
}
