package repo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"actifix/internal/config"
	"actifix/internal/domain"
	"actifix/internal/events"
	"actifix/internal/migrate"
)

// testClock is a settable clock shared by a test repo.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRepo(t *testing.T) (Repo, *testClock) {
	t.Helper()
	conn, err := migrate.OpenWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(conn, config.Default())
	r.Now = clock.Now
	r.Events = events.Writer{Now: clock.Now}
	return r, clock
}

func mustCreate(t *testing.T, r Repo, tk *domain.Ticket) {
	t.Helper()
	created, err := r.Create(context.Background(), tk)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("create suppressed unexpectedly for %q", tk.Message)
	}
}

func TestCreateAndGet(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	trace := "Traceback: boom"
	tk := domain.Ticket{
		Message:    "database connection refused",
		Source:     "billing",
		ErrorType:  "ConnectionError",
		Priority:   domain.PriorityP1,
		StackTrace: &trace,
	}
	mustCreate(t, r, &tk)

	if !strings.HasPrefix(tk.ID, "AF-20250601-") {
		t.Errorf("id = %s, want AF-20250601-xxxxx", tk.ID)
	}
	if tk.Status != domain.StatusOpen {
		t.Errorf("status = %s, want open", tk.Status)
	}
	if len(tk.DuplicateGuard) != 16 {
		t.Errorf("guard length = %d, want 16", len(tk.DuplicateGuard))
	}

	got, err := r.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Message != tk.Message || got.Source != "billing" || got.Priority != domain.PriorityP1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.StackTrace == nil || *got.StackTrace != trace {
		t.Errorf("stack trace not stored")
	}
	if got.LockedBy != nil || got.LeaseExpires != nil {
		t.Errorf("fresh ticket must be unlocked")
	}

	if _, err := r.Get(ctx, "AF-00000000-zzzzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing ticket err = %v, want ErrNotFound", err)
	}
}

func TestCreateDefaults(t *testing.T) {
	r, _ := newTestRepo(t)
	tk := domain.Ticket{Message: "panic in handler", Priority: domain.PriorityP2}
	mustCreate(t, r, &tk)
	if tk.Source != "unknown" {
		t.Errorf("source = %q, want unknown", tk.Source)
	}
	if tk.ErrorType != "error" {
		t.Errorf("error_type = %q, want error", tk.ErrorType)
	}
}

func TestCreateValidation(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, &domain.Ticket{Message: "   "}); err == nil {
		t.Error("empty message must fail")
	}
	if _, err := r.Create(ctx, &domain.Ticket{Message: "x", Priority: 5}); err == nil {
		t.Error("priority 5 must fail")
	}
	if _, err := r.Create(ctx, &domain.Ticket{Message: "x", Priority: -1}); err == nil {
		t.Error("negative priority must fail")
	}
}

func TestFieldLengthBoundary(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	atLimit := domain.Ticket{Message: strings.Repeat("a", r.Limits.MaxMessageLength)}
	mustCreate(t, r, &atLimit)

	over := domain.Ticket{Message: strings.Repeat("b", r.Limits.MaxMessageLength+1)}
	_, err := r.Create(ctx, &over)
	var fle *FieldLengthError
	if !errors.As(err, &fle) {
		t.Fatalf("err = %v, want FieldLengthError", err)
	}
	if fle.Field != "message" || fle.Limit != r.Limits.MaxMessageLength {
		t.Errorf("unexpected error detail: %+v", fle)
	}

	longSource := domain.Ticket{Message: "ok", Source: strings.Repeat("s", r.Limits.MaxFieldLength+1)}
	if _, err := r.Create(ctx, &longSource); !errors.As(err, &fle) {
		t.Errorf("oversized source err = %v, want FieldLengthError", err)
	}
}

func TestFileContextByteBoundary(t *testing.T) {
	r, _ := newTestRepo(t)
	r.Limits.MaxFileContextBytes = 64
	ctx := context.Background()

	atLimit := strings.Repeat("c", r.Limits.MaxFileContextBytes)
	ok := domain.Ticket{Message: "context at the byte limit", FileContext: &atLimit}
	mustCreate(t, r, &ok)

	oversize := strings.Repeat("c", r.Limits.MaxFileContextBytes+1)
	over := domain.Ticket{Message: "context one byte over", FileContext: &oversize}
	_, err := r.Create(ctx, &over)
	var fle *FieldLengthError
	if !errors.As(err, &fle) {
		t.Fatalf("err = %v, want FieldLengthError", err)
	}
	if fle.Field != "file_context" || fle.Limit != r.Limits.MaxFileContextBytes {
		t.Errorf("unexpected error detail: %+v", fle)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	first := domain.Ticket{Message: "timeout talking to redis", Source: "cache", ErrorType: "Timeout"}
	mustCreate(t, r, &first)

	dup := domain.Ticket{Message: "Timeout  talking to  REDIS", Source: "cache", ErrorType: "timeout"}
	created, err := r.Create(ctx, &dup)
	if err != nil {
		t.Fatalf("create dup: %v", err)
	}
	if created {
		t.Fatal("normalized duplicate must be suppressed")
	}

	other := domain.Ticket{Message: "timeout talking to redis", Source: "search", ErrorType: "Timeout"}
	mustCreate(t, r, &other)
}

func TestDuplicateAfterResolution(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "disk full on /var", Source: "ingest"}
	mustCreate(t, r, &tk)

	report := domain.CompletionReport{
		Summary:     "rotated logs and freed space",
		TestSteps:   "checked df output on the host",
		TestResults: "12% used after cleanup",
	}
	done, err := r.MarkComplete(ctx, tk.ID, report)
	if err != nil || !done {
		t.Fatalf("complete: done=%v err=%v", done, err)
	}

	// Inside the reopen window the resolved ticket still blocks.
	clock.Advance(time.Hour)
	again := domain.Ticket{Message: "disk full on /var", Source: "ingest"}
	created, err := r.Create(ctx, &again)
	if err != nil {
		t.Fatalf("create in window: %v", err)
	}
	if created {
		t.Fatal("recently resolved duplicate must be suppressed")
	}

	// After the window the issue may have regressed; a new ticket opens.
	clock.Advance(r.Dedupe.ReopenWindow.Std())
	mustCreate(t, r, &again)
}

func TestDeletedNeverBlocks(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "flaky assertion in checkout"}
	mustCreate(t, r, &tk)
	if done, err := r.Delete(ctx, tk.ID, true); err != nil || !done {
		t.Fatalf("delete: done=%v err=%v", done, err)
	}
	again := domain.Ticket{Message: "flaky assertion in checkout"}
	mustCreate(t, r, &again)
}

func TestQuarantinedBlocksDuplicates(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "unfixable parse error"}
	mustCreate(t, r, &tk)
	if done, err := r.Quarantine(ctx, tk.ID, "three failed attempts"); err != nil || !done {
		t.Fatalf("quarantine: done=%v err=%v", done, err)
	}
	dup := domain.Ticket{Message: "unfixable parse error"}
	created, err := r.Create(ctx, &dup)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created {
		t.Fatal("quarantined ticket must still suppress duplicates")
	}
}

func TestOpenTicketLimit(t *testing.T) {
	r, _ := newTestRepo(t)
	r.Limits.MaxOpenTickets = 2
	ctx := context.Background()

	mustCreate(t, r, &domain.Ticket{Message: "first failure"})
	mustCreate(t, r, &domain.Ticket{Message: "second failure"})
	_, err := r.Create(ctx, &domain.Ticket{Message: "third failure"})
	if !errors.Is(err, ErrOpenTicketLimit) {
		t.Fatalf("err = %v, want ErrOpenTicketLimit", err)
	}
}

func TestMarkCompleteQualityGate(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "nil deref in worker"}
	mustCreate(t, r, &tk)

	_, err := r.MarkComplete(ctx, tk.ID, domain.CompletionReport{
		Summary:     "fixed",
		TestSteps:   "ran the full worker suite",
		TestResults: "all green, no panics seen",
	})
	var cqe *CompletionQualityError
	if !errors.As(err, &cqe) {
		t.Fatalf("err = %v, want CompletionQualityError", err)
	}
	if cqe.Field != "summary" {
		t.Errorf("failing field = %s, want summary", cqe.Field)
	}

	// Whitespace padding cannot sneak past the gate.
	_, err = r.MarkComplete(ctx, tk.ID, domain.CompletionReport{
		Summary:     "fixed     ",
		TestSteps:   "ran the full worker suite",
		TestResults: "all green, no panics seen",
	})
	if !errors.As(err, &cqe) {
		t.Fatalf("padded summary err = %v, want CompletionQualityError", err)
	}

	done, err := r.MarkComplete(ctx, tk.ID, domain.CompletionReport{
		Summary:     "added a nil check before the map access",
		TestSteps:   "reproduced the panic, then reran with the fix",
		TestResults: "worker processed 1000 jobs without crashing",
	})
	if err != nil || !done {
		t.Fatalf("complete: done=%v err=%v", done, err)
	}

	got, err := r.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletionSummary == nil || got.TestSteps == nil || got.TestResults == nil {
		t.Errorf("completion fields not stored: %+v", got)
	}

	// Completing again is refused, not an error.
	done, err = r.MarkComplete(ctx, tk.ID, domain.CompletionReport{
		Summary:     "added a nil check before the map access",
		TestSteps:   "reproduced the panic, then reran with the fix",
		TestResults: "worker processed 1000 jobs without crashing",
	})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if done {
		t.Error("completed ticket must not complete twice")
	}
}

func TestCompleteClearsLock(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "stale cache entry served"}
	mustCreate(t, r, &tk)
	if info, err := r.AcquireLock(ctx, tk.ID, "agent-1", time.Hour); err != nil || info == nil {
		t.Fatalf("acquire: info=%v err=%v", info, err)
	}
	done, err := r.MarkComplete(ctx, tk.ID, domain.CompletionReport{
		Summary:     "invalidated the cache key on write",
		TestSteps:   "wrote then immediately read the entry",
		TestResults: "fresh value returned on every read",
	})
	if err != nil || !done {
		t.Fatalf("complete: done=%v err=%v", done, err)
	}
	got, _ := r.Get(ctx, tk.ID)
	if got.LockedBy != nil || got.LeaseExpires != nil {
		t.Errorf("completion must clear the lock: %+v", got)
	}
}

func TestDeleteSoftAndHard(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	soft := domain.Ticket{Message: "soft delete target"}
	mustCreate(t, r, &soft)
	if done, err := r.Delete(ctx, soft.ID, true); err != nil || !done {
		t.Fatalf("soft delete: done=%v err=%v", done, err)
	}
	got, err := r.Get(ctx, soft.ID)
	if err != nil {
		t.Fatalf("soft-deleted row must remain for audit: %v", err)
	}
	if got.Status != domain.StatusDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}
	// Deleting again is a no-op.
	if done, _ := r.Delete(ctx, soft.ID, true); done {
		t.Error("second soft delete must report false")
	}

	hard := domain.Ticket{Message: "hard delete target"}
	mustCreate(t, r, &hard)
	if done, err := r.Delete(ctx, hard.ID, false); err != nil || !done {
		t.Fatalf("hard delete: done=%v err=%v", done, err)
	}
	if _, err := r.Get(ctx, hard.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("hard-deleted row must be gone, got %v", err)
	}
}

func TestRecordAttempt(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "fix keeps failing"}
	mustCreate(t, r, &tk)

	for want := 1; want <= 3; want++ {
		got, err := r.RecordAttempt(ctx, tk.ID, "provider returned garbage")
		if err != nil {
			t.Fatalf("attempt %d: %v", want, err)
		}
		if got != want {
			t.Errorf("attempts = %d, want %d", got, want)
		}
	}
	stored, _ := r.Get(ctx, tk.ID)
	if stored.LastError == nil || *stored.LastError != "provider returned garbage" {
		t.Errorf("last_error not stored: %+v", stored.LastError)
	}
	if _, err := r.RecordAttempt(ctx, "AF-00000000-zzzzz", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing ticket err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePriority(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "slow query on orders", Priority: domain.PriorityP3}
	mustCreate(t, r, &tk)
	if err := r.UpdatePriority(ctx, tk.ID, domain.PriorityP0); err != nil {
		t.Fatalf("update priority: %v", err)
	}
	got, _ := r.Get(ctx, tk.ID)
	if got.Priority != domain.PriorityP0 {
		t.Errorf("priority = %d, want 0", got.Priority)
	}
	if err := r.UpdatePriority(ctx, tk.ID, 9); err == nil {
		t.Error("priority 9 must fail")
	}
}

func TestStats(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	a := domain.Ticket{Message: "stats open one"}
	b := domain.Ticket{Message: "stats open two"}
	c := domain.Ticket{Message: "stats completed"}
	d := domain.Ticket{Message: "stats quarantined"}
	for _, tk := range []*domain.Ticket{&a, &b, &c, &d} {
		mustCreate(t, r, tk)
	}
	if _, err := r.AcquireLock(ctx, b.ID, "agent-1", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := r.MarkComplete(ctx, c.ID, domain.CompletionReport{
		Summary:     "resolved by restarting the indexer",
		TestSteps:   "watched the queue drain after restart",
		TestResults: "no stuck jobs after ten minutes",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := r.Quarantine(ctx, d.ID, "manual triage needed"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	s, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := domain.Stats{Open: 1, InProgress: 1, Completed: 1, Quarantined: 1, Total: 4}
	if s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
}

func TestListFiltersAndPagination(t *testing.T) {
	r, clock := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tk := domain.Ticket{Message: "list fixture " + strings.Repeat("x", i+1), Source: "svc-a"}
		if i%2 == 1 {
			tk.Source = "svc-b"
		}
		mustCreate(t, r, &tk)
		clock.Advance(time.Second)
	}

	all, err := r.List(ctx, Filters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	// Newest first.
	for i := 1; i < len(all); i++ {
		if all[i-1].CreatedAt < all[i].CreatedAt {
			t.Fatalf("not sorted newest first at %d", i)
		}
	}

	bOnly, err := r.List(ctx, Filters{Source: "svc-b"})
	if err != nil {
		t.Fatalf("list source: %v", err)
	}
	if len(bOnly) != 2 {
		t.Errorf("svc-b count = %d, want 2", len(bOnly))
	}

	page1, err := r.List(ctx, Filters{Limit: 2})
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 len = %d, want 2", len(page1))
	}
	last := page1[len(page1)-1]
	page2, err := r.List(ctx, Filters{Limit: 2, CursorCreatedAt: last.CreatedAt, CursorID: last.ID})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 len = %d, want 2", len(page2))
	}
	seen := map[string]bool{}
	for _, tk := range append(page1, page2...) {
		if seen[tk.ID] {
			t.Fatalf("ticket %s appeared on two pages", tk.ID)
		}
		seen[tk.ID] = true
	}
}

func TestEventsRecorded(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tk := domain.Ticket{Message: "event trail fixture"}
	mustCreate(t, r, &tk)
	if _, err := r.AcquireLock(ctx, tk.ID, "agent-1", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := r.ReleaseLock(ctx, tk.ID, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	evts, err := r.LatestEvents(ctx, 10, tk.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("event count = %d, want 3", len(evts))
	}
	// Newest first.
	wantTypes := []string{events.TicketReleased, events.TicketLocked, events.TicketCreated}
	for i, want := range wantTypes {
		if evts[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, evts[i].Type, want)
		}
	}

	after, err := r.EventsAfter(ctx, 10, evts[2].ID)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].Type != events.TicketLocked {
		t.Errorf("events after cursor = %+v", after)
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if latest != evts[0].ID {
		t.Errorf("latest id = %d, want %d", latest, evts[0].ID)
	}
}

func TestConcurrentDuplicateCreate(t *testing.T) {
	r, _ := newTestRepo(t)
	r.Now = time.Now
	ctx := context.Background()

	const writers = 8
	results := make(chan bool, writers)
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk := domain.Ticket{Message: "the same crash everywhere", Source: "fleet"}
			created, err := r.Create(ctx, &tk)
			if err != nil {
				errs <- err
				return
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}
	createdCount := 0
	for created := range results {
		if created {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("created %d tickets for one error, want exactly 1", createdCount)
	}
}
