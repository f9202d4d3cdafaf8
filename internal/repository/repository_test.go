package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/campaigner/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "campaigner.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestCampaignCRUD(t *testing.T) {
	db := newTestDB(t)
	repo := NewCampaignRepository(db.DB)

	c := &models.Campaign{
		Name:      "launch",
		Subject:   "Hello {{name}}",
		Body:      "Welcome",
		FromEmail: "news@example.com",
	}
	if err := repo.Create(c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.ID == "" {
		t.Fatal("Create did not assign an ID")
	}
	if c.Status != models.CampaignDraft {
		t.Errorf("status = %s, want draft", c.Status)
	}
	if c.Priority != 5 {
		t.Errorf("priority = %d, want default 5", c.Priority)
	}

	got, err := repo.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got == nil || got.Name != "launch" || got.Subject != "Hello {{name}}" {
		t.Errorf("unexpected campaign: %+v", got)
	}

	if err := repo.UpdateStatus(c.ID, models.CampaignScheduled); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ = repo.GetByID(c.ID)
	if got.Status != models.CampaignScheduled {
		t.Errorf("status = %s, want scheduled", got.Status)
	}
	if got.ActivatedAt == nil {
		t.Error("ActivatedAt was not stamped on scheduled")
	}

	if err := repo.UpdateStatus(c.ID, models.CampaignSent); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ = repo.GetByID(c.ID)
	if got.CompletedAt == nil {
		t.Error("CompletedAt was not stamped on sent")
	}

	missing, err := repo.GetByID("nope")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing campaign")
	}
}

func TestRecipientAddIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	campaigns := NewCampaignRepository(db.DB)
	recipients := NewRecipientRepository(db.DB)

	c := &models.Campaign{Name: "dup", FromEmail: "news@example.com"}
	if err := campaigns.Create(c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	batch := []*models.Recipient{
		{Email: "a@example.com", Name: "A"},
		{Email: "b@example.com", Name: "B"},
	}
	added, err := recipients.Add(c.ID, batch)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	// Second batch overlaps the first; only the new address lands.
	added, err = recipients.Add(c.ID, []*models.Recipient{
		{Email: "b@example.com"},
		{Email: "c@example.com"},
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	n, err := recipients.Count(c.ID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestABTestAssignmentPrecedence(t *testing.T) {
	db := newTestDB(t)
	repo := NewABTestRepository(db.DB)

	test := &models.ABTest{CampaignID: "camp-1", Name: "subject test", Metric: models.MetricOpen}
	variants := []*models.Variant{
		{Name: "control", IsControl: true, AllocationPercent: 50},
		{Name: "emoji", AllocationPercent: 50, SubjectOverride: "🎉 Hello"},
	}
	if err := repo.CreateTest(test, variants); err != nil {
		t.Fatalf("CreateTest failed: %v", err)
	}

	got, err := repo.GetAssignment(test.ID, "a@example.com")
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected no assignment, got %q", got)
	}

	if err := repo.SaveAssignment(test.ID, "a@example.com", variants[0].ID); err != nil {
		t.Fatalf("SaveAssignment failed: %v", err)
	}
	// A later save for the same recipient must not overwrite the first.
	if err := repo.SaveAssignment(test.ID, "a@example.com", variants[1].ID); err != nil {
		t.Fatalf("SaveAssignment failed: %v", err)
	}
	got, _ = repo.GetAssignment(test.ID, "a@example.com")
	if got != variants[0].ID {
		t.Errorf("assignment = %q, want original %q", got, variants[0].ID)
	}

	counts, err := repo.CountAssignments(test.ID)
	if err != nil {
		t.Fatalf("CountAssignments failed: %v", err)
	}
	if counts[variants[0].ID] != 1 {
		t.Errorf("counts = %v, want 1 for control", counts)
	}
}

func TestABTestCountersAndWinner(t *testing.T) {
	db := newTestDB(t)
	repo := NewABTestRepository(db.DB)

	test := &models.ABTest{CampaignID: "camp-2"}
	variants := []*models.Variant{
		{Name: "control", IsControl: true, AllocationPercent: 50},
		{Name: "b", AllocationPercent: 50},
	}
	if err := repo.CreateTest(test, variants); err != nil {
		t.Fatalf("CreateTest failed: %v", err)
	}

	v := variants[1].ID
	for i := 0; i < 3; i++ {
		if err := repo.Increment(v, "sent", 1); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	if err := repo.Increment(v, "opened", 2); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if err := repo.Increment(v, "drop table", 1); err == nil {
		t.Fatal("expected error for unknown counter")
	}

	c, err := repo.GetCounters(v)
	if err != nil {
		t.Fatalf("GetCounters failed: %v", err)
	}
	if c.Sent != 3 || c.Opened != 2 {
		t.Errorf("counters = %+v, want sent=3 opened=2", c)
	}

	empty, err := repo.GetCounters(variants[0].ID)
	if err != nil {
		t.Fatalf("GetCounters failed: %v", err)
	}
	if empty.Sent != 0 {
		t.Errorf("expected zeroed counters, got %+v", empty)
	}

	running, err := repo.ListRunning()
	if err != nil {
		t.Fatalf("ListRunning failed: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("running = %d, want 1", len(running))
	}

	if err := repo.DeclareWinner(test.ID, v); err != nil {
		t.Fatalf("DeclareWinner failed: %v", err)
	}
	got, _ := repo.GetTest(test.ID)
	if got.Status != models.ABTestCompleted || got.WinnerVariantID != v {
		t.Errorf("test after winner = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt was not stamped")
	}

	running, _ = repo.ListRunning()
	if len(running) != 0 {
		t.Errorf("running after completion = %d, want 0", len(running))
	}
}

func TestSendHourProfiles(t *testing.T) {
	db := newTestDB(t)
	repo := NewProfileRepository(db.DB)

	missing, err := repo.Get("x@example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing profile")
	}

	if err := repo.Upsert(&models.SendHourProfile{
		Email:         "x@example.com",
		PreferredHour: 10,
		Timezone:      "America/New_York",
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	p, err := repo.Get("x@example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.PreferredHour != 10 || p.Timezone != "America/New_York" {
		t.Errorf("profile = %+v", p)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.TouchLastSent("x@example.com", at); err != nil {
		t.Fatalf("TouchLastSent failed: %v", err)
	}
	p, _ = repo.Get("x@example.com")
	if p.LastSentAt == nil || !p.LastSentAt.Equal(at) {
		t.Errorf("LastSentAt = %v, want %v", p.LastSentAt, at)
	}
	if p.PreferredHour != 10 {
		t.Errorf("TouchLastSent clobbered preferred hour: %d", p.PreferredHour)
	}

	// Touching an unknown address seeds a profile with the hour unset.
	if err := repo.TouchLastSent("new@example.com", at); err != nil {
		t.Fatalf("TouchLastSent failed: %v", err)
	}
	p, _ = repo.Get("new@example.com")
	if p == nil || p.PreferredHour != -1 {
		t.Errorf("seeded profile = %+v, want preferred_hour -1", p)
	}
}
