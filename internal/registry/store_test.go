package registry

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testServer(model, url string) *Server {
	return &Server{
		RegistrationID: NewRegistrationID(),
		ModelName:      model,
		EndpointURL:    url,
		NormalizedURL:  url,
		HealthStatus:   HealthUnknown,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	log := slog.New(slog.DiscardHandler)

	s1, err := Open(path, log)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	srv := testServer("llama-3-8b", "http://inference-1.example.com:8080")
	if err := s1.Insert(context.Background(), srv); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(path, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.Get(context.Background(), srv.RegistrationID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.ModelName != "llama-3-8b" {
		t.Errorf("ModelName = %q, want llama-3-8b", got.ModelName)
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := testServer("mistral-7b", "http://10.0.0.5:8000")
	srv.BackendAPIKey = "sk-backend-secret"
	srv.Capabilities = Capabilities{MaxTokens: 4096, ContextLength: 32768, Streaming: true}
	srv.Owner = Owner{StudentID: "s123", Description: "lab box", Email: "s123@example.edu"}

	if err := s.Insert(ctx, srv); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, srv.RegistrationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BackendAPIKey != "sk-backend-secret" {
		t.Errorf("BackendAPIKey = %q", got.BackendAPIKey)
	}
	if got.Capabilities.ContextLength != 32768 || !got.Capabilities.Streaming {
		t.Errorf("Capabilities = %+v", got.Capabilities)
	}
	if got.Owner.StudentID != "s123" {
		t.Errorf("Owner = %+v", got.Owner)
	}
	if got.HealthStatus != HealthUnknown {
		t.Errorf("HealthStatus = %q, want unknown", got.HealthStatus)
	}
	if !got.IsActive {
		t.Error("new record should be active")
	}
	if got.RegisteredAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if got.LastCheckedAt != nil || got.LastLatencyMs != nil {
		t.Error("probe fields should start nil")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "srv_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertConflictOnActiveDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testServer("qwen-2", "http://host.example.com:9000")
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert first: %v", err)
	}

	dup := testServer("qwen-2", "http://host.example.com:9000")
	if err := s.Insert(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate insert err = %v, want ErrConflict", err)
	}

	// Same URL under a different model is allowed.
	other := testServer("qwen-2-coder", "http://host.example.com:9000")
	if err := s.Insert(ctx, other); err != nil {
		t.Fatalf("insert under other model: %v", err)
	}
}

func TestSoftDeleteFreesUniquenessSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testServer("gemma-2", "http://node-7.example.com:8000")
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SoftDelete(ctx, first.RegistrationID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	// The slot is free again for a fresh registration.
	second := testServer("gemma-2", "http://node-7.example.com:8000")
	if err := s.Insert(ctx, second); err != nil {
		t.Fatalf("re-register after delete: %v", err)
	}

	// The deleted record is still readable, marked inactive.
	got, err := s.Get(ctx, first.RegistrationID)
	if err != nil {
		t.Fatalf("Get deleted: %v", err)
	}
	if got.IsActive {
		t.Error("deleted record should be inactive")
	}
}

func TestSoftDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := testServer("phi-3", "http://a.example.com:8000")
	if err := s.Insert(ctx, srv); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SoftDelete(ctx, srv.RegistrationID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.SoftDelete(ctx, srv.RegistrationID); err != nil {
		t.Fatalf("second delete should succeed: %v", err)
	}
	if err := s.SoftDelete(ctx, "srv_never_existed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := testServer("llama-3-70b", "http://b.example.com:8000")
	if err := s.Insert(ctx, srv); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before, _ := s.Get(ctx, srv.RegistrationID)

	time.Sleep(2 * time.Millisecond)

	newKey := "sk-rotated"
	status := HealthHealthy
	got, err := s.Patch(ctx, srv.RegistrationID, Patch{
		BackendAPIKey: &newKey,
		HealthStatus:  &status,
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got.BackendAPIKey != "sk-rotated" {
		t.Errorf("BackendAPIKey = %q", got.BackendAPIKey)
	}
	if got.HealthStatus != HealthHealthy {
		t.Errorf("HealthStatus = %q", got.HealthStatus)
	}
	if got.ModelName != srv.ModelName {
		t.Errorf("untouched field changed: ModelName = %q", got.ModelName)
	}
	if !got.RegisteredAt.Equal(before.RegisteredAt) {
		t.Error("registered_at must never change")
	}
	if !got.UpdatedAt.After(before.UpdatedAt) {
		t.Error("updated_at not refreshed")
	}
}

func TestPatchConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testServer("m1", "http://one.example.com:8000")
	b := testServer("m1", "http://two.example.com:8000")
	for _, srv := range []*Server{a, b} {
		if err := s.Insert(ctx, srv); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	// Moving b onto a's URL collides with the active uniqueness slot.
	url := a.NormalizedURL
	_, err := s.Patch(ctx, b.RegistrationID, Patch{EndpointURL: &url, NormalizedURL: &url})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestPatchNotFound(t *testing.T) {
	s := newTestStore(t)
	name := "whatever"
	if _, err := s.Patch(context.Background(), "srv_nope", Patch{ModelName: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	healthy := testServer("m1", "http://h1.example.com:8000")
	healthy.HealthStatus = HealthHealthy
	unhealthy := testServer("m1", "http://h2.example.com:8000")
	unhealthy.HealthStatus = HealthUnhealthy
	otherModel := testServer("m2", "http://h3.example.com:8000")
	deleted := testServer("m1", "http://h4.example.com:8000")

	for _, srv := range []*Server{healthy, unhealthy, otherModel, deleted} {
		if err := s.Insert(ctx, srv); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := s.SoftDelete(ctx, deleted.RegistrationID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("active count = %d, want 3", len(all))
	}

	m1, _ := s.List(ctx, Filter{ModelName: "m1"})
	if len(m1) != 2 {
		t.Errorf("m1 count = %d, want 2", len(m1))
	}

	h, _ := s.List(ctx, Filter{HealthStatus: HealthHealthy})
	if len(h) != 1 || h[0].RegistrationID != healthy.RegistrationID {
		t.Errorf("healthy filter returned %d records", len(h))
	}

	withInactive, _ := s.List(ctx, Filter{IncludeInactive: true})
	if len(withInactive) != 4 {
		t.Errorf("include_inactive count = %d, want 4", len(withInactive))
	}
}

func TestFindHealthyOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var want []string
	for i := 0; i < 3; i++ {
		srv := testServer("m1", "http://ring-"+string(rune('a'+i))+".example.com:8000")
		srv.HealthStatus = HealthHealthy
		srv.RegisteredAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Insert(ctx, srv); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		want = append(want, srv.RegistrationID)
	}

	// Unhealthy and unknown records never enter the ring.
	sick := testServer("m1", "http://sick.example.com:8000")
	sick.HealthStatus = HealthUnhealthy
	if err := s.Insert(ctx, sick); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.FindHealthy(ctx, "m1")
	if err != nil {
		t.Fatalf("FindHealthy: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].RegistrationID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i].RegistrationID, want[i])
		}
	}
}

func TestFindHealthyOrderingSubsecond(t *testing.T) {
	// Timestamps are compared as strings by SQLite, so a whole-second
	// registration time must still sort before a fractional one in the same
	// second. A format that trims trailing zeros gets this wrong.
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	first := testServer("m1", "http://whole.example.com:8000")
	first.HealthStatus = HealthHealthy
	first.RegisteredAt = base
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	second := testServer("m1", "http://fractional.example.com:8000")
	second.HealthStatus = HealthHealthy
	second.RegisteredAt = base.Add(500 * time.Millisecond)
	if err := s.Insert(ctx, second); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.FindHealthy(ctx, "m1")
	if err != nil {
		t.Fatalf("FindHealthy: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].RegistrationID != first.RegistrationID || got[1].RegistrationID != second.RegistrationID {
		t.Errorf("ring order = [%s %s], want [%s %s]",
			got[0].RegistrationID, got[1].RegistrationID,
			first.RegistrationID, second.RegistrationID)
	}
}

func TestModelKnown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := testServer("m1", "http://x.example.com:8000")
	srv.HealthStatus = HealthUnhealthy
	if err := s.Insert(ctx, srv); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	known, err := s.ModelKnown(ctx, "m1")
	if err != nil || !known {
		t.Errorf("ModelKnown(m1) = %v, %v; want true", known, err)
	}
	known, _ = s.ModelKnown(ctx, "m2")
	if known {
		t.Error("ModelKnown(m2) = true, want false")
	}

	_ = s.SoftDelete(ctx, srv.RegistrationID)
	known, _ = s.ModelKnown(ctx, "m1")
	if known {
		t.Error("deleted records should not count toward ModelKnown")
	}
}

func TestRecordSuccessAndFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := testServer("m1", "http://y.example.com:8000")
	if err := s.Insert(ctx, srv); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for i := 1; i <= 2; i++ {
		n, err := s.RecordFailure(ctx, srv.RegistrationID)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if n != i {
			t.Errorf("failures = %d, want %d", n, i)
		}
	}
	got, _ := s.Get(ctx, srv.RegistrationID)
	if got.HealthStatus != HealthUnhealthy {
		t.Errorf("HealthStatus = %q, want unhealthy", got.HealthStatus)
	}
	if got.LastCheckedAt == nil {
		t.Error("last_checked_at not set on failure")
	}

	if err := s.RecordSuccess(ctx, srv.RegistrationID, 42); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	got, _ = s.Get(ctx, srv.RegistrationID)
	if got.HealthStatus != HealthHealthy {
		t.Errorf("HealthStatus = %q, want healthy", got.HealthStatus)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0 after success", got.ConsecutiveFailures)
	}
	if got.LastLatencyMs == nil || *got.LastLatencyMs != 42 {
		t.Errorf("LastLatencyMs = %v, want 42", got.LastLatencyMs)
	}
}

func TestStatsAndSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(model, url, health string) {
		srv := testServer(model, url)
		srv.HealthStatus = health
		if err := s.Insert(ctx, srv); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	mk("m1", "http://s1.example.com:8000", HealthHealthy)
	mk("m1", "http://s2.example.com:8000", HealthUnhealthy)
	mk("m2", "http://s3.example.com:8000", HealthUnknown)

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.TotalServers != 3 || st.Healthy != 1 || st.Unhealthy != 1 || st.Unknown != 1 || st.Models != 2 {
		t.Errorf("Stats = %+v", st)
	}

	sums, err := s.ModelSummaries(ctx)
	if err != nil {
		t.Fatalf("ModelSummaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("summaries = %d, want 2", len(sums))
	}
	if sums[0].ModelName != "m1" || sums[0].HealthyCount != 1 || sums[0].ActiveCount != 2 {
		t.Errorf("m1 summary = %+v", sums[0])
	}
	if sums[1].ModelName != "m2" || sums[1].HealthyCount != 0 || sums[1].ActiveCount != 1 {
		t.Errorf("m2 summary = %+v", sums[1])
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, srv := range []*Server{
		testServer("m1", "http://a.example.com:8000"),
		testServer("m1", "http://b.example.com:8000"),
		testServer("m2", "http://c.example.com:8000"),
	} {
		if err := s.Insert(ctx, srv); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	gone := testServer("m3", "http://d.example.com:8000")
	if err := s.Insert(ctx, gone); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SoftDelete(ctx, gone.RegistrationID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	servers, err := s.CountServers(ctx)
	if err != nil {
		t.Fatalf("CountServers: %v", err)
	}
	if servers != 3 {
		t.Errorf("CountServers = %d, want 3 (inactive rows excluded)", servers)
	}

	models, err := s.CountModels(ctx)
	if err != nil {
		t.Fatalf("CountModels: %v", err)
	}
	if models != 2 {
		t.Errorf("CountModels = %d, want 2", models)
	}
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	st, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.TotalServers != 0 || st.Healthy != 0 || st.Models != 0 {
		t.Errorf("empty Stats = %+v", st)
	}
}
