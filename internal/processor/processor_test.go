package processor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"actifix/internal/config"
	"actifix/internal/domain"
	"actifix/internal/fixer"
	"actifix/internal/migrate"
	"actifix/internal/repo"
)

func newTestProcessor(t *testing.T, fx fixer.Fixer) (*Processor, repo.Repo) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := migrate.OpenWorkspace(workspace)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	r := repo.New(conn, config.Default())
	cfg := config.Processor{
		LeaseDuration:   config.Duration(time.Minute),
		RenewInterval:   config.Duration(30 * time.Second),
		PollInterval:    config.Duration(10 * time.Millisecond),
		DispatchTimeout: config.Duration(time.Second),
		MaxAttempts:     3,
		Workers:         1,
	}
	lockPath := filepath.Join(workspace, "dispatch.lock")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(r, fx, cfg, "agent-test", lockPath, log), r
}

func seedTicket(t *testing.T, r repo.Repo, message string) domain.Ticket {
	t.Helper()
	tk := domain.Ticket{Message: message}
	created, err := r.Create(context.Background(), &tk)
	if err != nil || !created {
		t.Fatalf("seed ticket: created=%v err=%v", created, err)
	}
	return tk
}

func TestProcessNextNoWork(t *testing.T) {
	p, _ := newTestProcessor(t, fixer.Static(domain.FixResult{Success: true}))
	processed, err := p.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed {
		t.Fatal("empty repository must report no work")
	}
}

func TestProcessNextCompletes(t *testing.T) {
	fx := fixer.Static(domain.FixResult{
		Success:  true,
		Content:  "patched the retry loop to cap the backoff interval",
		Provider: "static",
	})
	p, r := newTestProcessor(t, fx)
	tk := seedTicket(t, r, "retry loop spins without backoff")

	processed, err := p.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("seeded ticket must be processed")
	}

	got, err := r.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletionSummary == nil || *got.CompletionSummary == "" {
		t.Error("completion summary missing")
	}
	if got.LockedBy != nil {
		t.Error("completed ticket must be unlocked")
	}
}

func TestProcessNextShortFixGetsFallbackSummary(t *testing.T) {
	fx := fixer.Static(domain.FixResult{Success: true, Content: "ok", Provider: "static"})
	p, r := newTestProcessor(t, fx)
	tk := seedTicket(t, r, "terse fixer output")

	if _, err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := r.Get(context.Background(), tk.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestProcessNextFailureReleases(t *testing.T) {
	fx := fixer.Static(domain.FixResult{Success: false, Err: "provider refused the ticket"})
	p, r := newTestProcessor(t, fx)
	tk := seedTicket(t, r, "failing fix fixture")

	processed, err := p.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("ticket must count as processed even when the fix fails")
	}

	got, _ := r.Get(context.Background(), tk.ID)
	if got.Status != domain.StatusOpen {
		t.Fatalf("status = %s, want open after release", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == nil || *got.LastError != "provider refused the ticket" {
		t.Errorf("last_error = %v", got.LastError)
	}
}

func TestProcessNextQuarantinesAfterMaxAttempts(t *testing.T) {
	fx := fixer.Static(domain.FixResult{Success: false, Err: "unfixable"})
	p, r := newTestProcessor(t, fx)
	tk := seedTicket(t, r, "quarantine fixture")

	for i := 0; i < p.Cfg.MaxAttempts; i++ {
		processed, err := p.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if !processed {
			t.Fatalf("attempt %d found no work", i+1)
		}
	}

	got, _ := r.Get(context.Background(), tk.ID)
	if got.Status != domain.StatusQuarantined {
		t.Fatalf("status = %s, want quarantined", got.Status)
	}
	if got.Attempts != p.Cfg.MaxAttempts {
		t.Errorf("attempts = %d, want %d", got.Attempts, p.Cfg.MaxAttempts)
	}

	// Quarantined tickets leave the dispatch queue.
	if processed, err := p.ProcessNext(context.Background()); err != nil || processed {
		t.Fatalf("quarantined ticket redispatched: processed=%v err=%v", processed, err)
	}
}

func TestProcessNextEmptyResultRecordsAttempt(t *testing.T) {
	fx := fixer.Func(func(ctx context.Context, tk domain.Ticket) (domain.FixResult, error) {
		return domain.FixResult{}, nil
	})
	p, r := newTestProcessor(t, fx)
	seedTicket(t, r, "empty result fixture")

	processed, err := p.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("ticket must be processed")
	}
	// An empty result is a failed remediation and records an attempt.
	list, err := r.List(context.Background(), repo.Filters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Attempts != 1 {
		t.Fatalf("unexpected tickets: %+v", list)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fx := fixer.Static(domain.FixResult{Success: true, Content: "completed during the run loop"})
	p, r := newTestProcessor(t, fx)
	tk := seedTicket(t, r, "run loop fixture")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := r.Get(context.Background(), tk.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == domain.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run loop never completed the ticket")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
