package metrics

import (
	"testing"
)

func TestNewRegistersEverything(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	m.SendsTotal.WithLabelValues("example.com").Inc()
	m.SendFailuresTotal.WithLabelValues("example.com", "transient").Inc()
	m.RequeuesTotal.WithLabelValues("rate_limited").Inc()
	m.SendSeconds.Observe(0.2)
	m.QueueQueued.Set(4)
	m.QueueLeased.Set(1)
	m.RateLimitDeniedTotal.WithLabelValues("global").Inc()
	m.TasksEnqueuedTotal.Add(10)
	m.CampaignsCompletedTotal.Inc()
	m.APIRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	m.APIRequestDurationSeconds.WithLabelValues("GET", "/health").Observe(0.01)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("registry gathered no metric families")
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"campaigner_sends_total",
		"campaigner_queue_queued",
		"campaigner_ratelimit_denied_total",
		"campaigner_api_requests_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestHelpersAreNilSafe(t *testing.T) {
	SetGlobal(nil)

	// None of these should panic without a global instance.
	IncSends("example.com")
	IncSendFailures("example.com", "transient")
	IncRequeues("backoff")
	ObserveSendSeconds(0.1)
	SetQueueDepth(1, 2)
	IncRateLimitDenied("campaign")
	AddTasksEnqueued(3)
	IncCampaignsCompleted()
	ObserveAPIRequest("GET", "/health", "200", 0.01)

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncSends("example.com")
	if Global() != m {
		t.Error("Global() did not return the instance passed to SetGlobal")
	}
}
