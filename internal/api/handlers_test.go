package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/campaigner/internal/abtest"
	"github.com/foxzi/campaigner/internal/campaign"
	"github.com/foxzi/campaigner/internal/clock"
	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/ratelimit"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/schedule"
)

type testEnv struct {
	server     *Server
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	abtests    *repository.ABTestRepository
	storage    *queue.BoltStorage
	clk        *clock.Manual
	apiKey     string
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.New(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	storage, err := queue.NewBoltStorage(filepath.Join(dir, "queue.db"), queue.Options{Clock: clk})
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	limiter, err := ratelimit.NewLimiter(nil, &ratelimit.Config{
		Global: &ratelimit.LimitConfig{Capacity: 100, RefillPerSec: 100},
	}, clk)
	if err != nil {
		t.Fatalf("failed to build limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	env := &testEnv{
		campaigns:  repository.NewCampaignRepository(db.DB),
		recipients: repository.NewRecipientRepository(db.DB),
		abtests:    repository.NewABTestRepository(db.DB),
		storage:    storage,
		clk:        clk,
		apiKey:     apiKey,
	}

	sched := schedule.New(env.recipients, repository.NewProfileRepository(db.DB),
		abtest.NewAllocator(env.abtests), storage, clk, nil, 0)
	orch := campaign.NewOrchestrator(env.campaigns, env.abtests, sched,
		storage, limiter, clk, nil, time.Second)
	eval := abtest.NewEvaluator(env.abtests, 0, nil, nil)

	env.server = NewServer(&config.APIConfig{APIKey: apiKey},
		orch, eval, env.campaigns, env.recipients, env.abtests, storage, nil)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if env.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+env.apiKey)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("X-API-Key = %d, want 200", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/campaigns", nil); rec.Code != http.StatusOK {
		t.Errorf("bearer token = %d, want 200", rec.Code)
	}
}

func TestAuthWithHashedKey(t *testing.T) {
	env := newTestEnv(t, "")
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	env.server.config.APIKeyHash = string(hash)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("hashed key match = %d, want 200", rec.Code)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t, "")

	cases := []struct {
		name string
		req  CreateCampaignRequest
	}{
		{"missing name", CreateCampaignRequest{FromEmail: "a@b.com", Subject: "s", Body: "b"}},
		{"missing from", CreateCampaignRequest{Name: "n", Subject: "s", Body: "b"}},
		{"bad from", CreateCampaignRequest{Name: "n", FromEmail: "nope", Subject: "s", Body: "b"}},
		{"missing content", CreateCampaignRequest{Name: "n", FromEmail: "a@b.com", Subject: "s"}},
		{"bad schedule", CreateCampaignRequest{
			Name: "n", FromEmail: "a@b.com", Subject: "s", Body: "b",
			Schedule: json.RawMessage(`{"type":"sometime"}`),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/v1/campaigns", tc.req); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCampaignLifecycleViaAPI(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/v1/campaigns", CreateCampaignRequest{
		Name:      "March newsletter",
		Subject:   "Hello {{name}}",
		Body:      "Plain body",
		FromEmail: "news@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create campaign = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[models.Campaign](t, rec)
	if created.Status != models.CampaignDraft {
		t.Fatalf("status = %s, want draft", created.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/recipients", map[string]any{
		"recipients": []map[string]string{
			{"email": "ada@example.org", "name": "Ada"},
			{"email": "bob@example.org"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add recipients = %d, body %s", rec.Code, rec.Body.String())
	}
	added := decode[AddRecipientsResponse](t, rec)
	if added.Added != 2 || added.Total != 2 {
		t.Errorf("added = %+v, want 2/2", added)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate = %d, body %s", rec.Code, rec.Body.String())
	}
	status := decode[StatusResponse](t, rec)
	if status.Status != string(models.CampaignSending) {
		t.Errorf("status after activate = %s, want sending", status.Status)
	}

	// Activating twice is an invalid transition.
	if rec := env.do(t, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/activate", nil); rec.Code != http.StatusConflict {
		t.Errorf("second activate = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue overview = %d", rec.Code)
	}
	qr := decode[QueueResponse](t, rec)
	if qr.Overview == nil || qr.Overview.Queued != 2 {
		t.Fatalf("overview = %+v, want 2 queued", qr.Overview)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/queue/tasks?campaign_id="+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks = %d", rec.Code)
	}
	tasks := decode[TasksResponse](t, rec)
	if len(tasks.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks.Tasks))
	}

	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/v1/campaigns/"+created.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, body %s", rec.Code, rec.Body.String())
	}
	status = decode[StatusResponse](t, rec)
	if status.Status != string(models.CampaignCancelled) {
		t.Errorf("status after cancel = %s, want cancelled", status.Status)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.do(t, http.MethodGet, "/api/v1/campaigns/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestABTestEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/v1/abtests", CreateABTestRequest{
		CampaignID: "camp-1",
		Name:       "subject test",
		Metric:     "open",
		Test:       models.ABTest{ConfidenceLevel: 0.95, MinSampleSize: 100},
		Variants: []*models.Variant{
			{Name: "control", IsControl: true, AllocationPercent: 50},
			{Name: "alt", AllocationPercent: 50},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create test = %d, body %s", rec.Code, rec.Body.String())
	}
	test := decode[models.ABTest](t, rec)

	variants, err := env.abtests.GetVariants(test.ID)
	if err != nil || len(variants) != 2 {
		t.Fatalf("GetVariants = %d variants, err %v", len(variants), err)
	}

	// Seed counters so the alt variant wins clearly.
	for _, v := range variants {
		seed := map[string]float64{"sent": 500, "opened": 20}
		if !v.IsControl {
			seed["opened"] = 60
		}
		for counter, n := range seed {
			if err := env.abtests.Increment(v.ID, counter, n); err != nil {
				t.Fatalf("Increment failed: %v", err)
			}
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/abtests/"+test.ID+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d, body %s", rec.Code, rec.Body.String())
	}
	ev := decode[abtest.Evaluation](t, rec)
	if len(ev.Variants) != 2 {
		t.Fatalf("variants in evaluation = %d, want 2", len(ev.Variants))
	}
	if !ev.WinnerDeclarable {
		t.Fatalf("evaluation not declarable: %+v", ev)
	}

	// Declaring a foreign variant is rejected.
	rec = env.do(t, http.MethodPost, "/api/v1/abtests/"+test.ID+"/winner",
		DeclareWinnerRequest{VariantID: "not-a-variant"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("foreign winner = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/abtests/"+test.ID+"/winner",
		DeclareWinnerRequest{VariantID: ev.RecommendedVariantID})
	if rec.Code != http.StatusOK {
		t.Fatalf("declare winner = %d, body %s", rec.Code, rec.Body.String())
	}

	stored, err := env.abtests.GetTest(test.ID)
	if err != nil {
		t.Fatalf("GetTest failed: %v", err)
	}
	if stored.WinnerVariantID != ev.RecommendedVariantID {
		t.Errorf("winner = %q, want %q", stored.WinnerVariantID, ev.RecommendedVariantID)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	env := newTestEnv(t, "")

	for i := 0; i < 3; i++ {
		task := &queue.Task{
			ID:         fmt.Sprintf("task-%d", i),
			CampaignID: "camp-9",
			Recipient:  fmt.Sprintf("r%d@example.org", i),
			FromEmail:  "news@example.com",
			Subject:    "s",
			Body:       "b",
		}
		if _, err := env.storage.Enqueue(t.Context(), task); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/queue/tasks?status=queued&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	tasks := decode[TasksResponse](t, rec)
	if len(tasks.Tasks) != 2 {
		t.Errorf("tasks = %d, want 2 (limit)", len(tasks.Tasks))
	}
}
