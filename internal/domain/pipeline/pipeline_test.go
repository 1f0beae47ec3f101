package pipeline

import (
	"errors"
	"testing"
	"time"
)

// fakeClock — управляемые часы для проверки Elapsed и History.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// TestRun_HappyPath проверяет полную цепочку до committed.
func TestRun_HappyPath(t *testing.T) {
	r := New()
	chain := []Stage{
		StageCheckingEligibility,
		StageValidatingAttachments,
		StageModerating,
		StageCommitting,
		StagePersisting,
		StageCommitted,
	}
	for _, s := range chain {
		if err := r.Advance(s); err != nil {
			t.Fatalf("Advance(%s): неожиданная ошибка: %v", s, err)
		}
	}
	if !r.Terminal() {
		t.Error("committed должна быть терминальной стадией")
	}
	if len(r.History()) != len(chain) {
		t.Errorf("History: ожидалось %d записей, получено %d", len(chain), len(r.History()))
	}
	if r.LastActive() != StagePersisting {
		t.Errorf("LastActive: ожидалось persisting, получено %s", r.LastActive())
	}
}

// TestRun_TerminalFailures проверяет терминальный отказ каждой рабочей стадии.
func TestRun_TerminalFailures(t *testing.T) {
	tests := []struct {
		path     []Stage
		failure  Stage
		lastStep Stage
	}{
		{[]Stage{StageCheckingEligibility}, StageSuspended, StageCheckingEligibility},
		{[]Stage{StageCheckingEligibility, StageValidatingAttachments}, StageInvalid, StageValidatingAttachments},
		{[]Stage{StageCheckingEligibility, StageValidatingAttachments, StageModerating}, StageRejected, StageModerating},
		{[]Stage{StageCheckingEligibility}, StageStorageFailed, StageCheckingEligibility},
		{[]Stage{StageCheckingEligibility, StageValidatingAttachments, StageModerating}, StageStorageFailed, StageModerating},
		{[]Stage{StageCheckingEligibility, StageValidatingAttachments, StageModerating, StageCommitting}, StageStorageFailed, StageCommitting},
		{[]Stage{StageCheckingEligibility, StageValidatingAttachments, StageModerating, StageCommitting, StagePersisting}, StageStorageFailed, StagePersisting},
	}

	for _, tt := range tests {
		t.Run(string(tt.lastStep)+"->"+string(tt.failure), func(t *testing.T) {
			r := New()
			for _, s := range tt.path {
				if err := r.Advance(s); err != nil {
					t.Fatalf("Advance(%s): %v", s, err)
				}
			}
			if err := r.Advance(tt.failure); err != nil {
				t.Fatalf("Advance(%s): %v", tt.failure, err)
			}
			if !r.Terminal() {
				t.Errorf("%s должна быть терминальной", tt.failure)
			}
			if r.LastActive() != tt.lastStep {
				t.Errorf("LastActive: ожидалось %s, получено %s", tt.lastStep, r.LastActive())
			}
		})
	}
}

// TestRun_InvalidTransitions проверяет запрет пропуска стадий.
func TestRun_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from []Stage
		to   Stage
	}{
		{nil, StageModerating},
		{nil, StageCommitted},
		{[]Stage{StageCheckingEligibility}, StageCommitting},
		{[]Stage{StageCheckingEligibility}, StageRejected},
		{[]Stage{StageCheckingEligibility, StageValidatingAttachments}, StageSuspended},
		// Отказ модерации невозможен после записи вложений
		{[]Stage{StageCheckingEligibility, StageValidatingAttachments, StageModerating, StageCommitting}, StageRejected},
	}

	for _, tt := range tests {
		r := New()
		for _, s := range tt.from {
			if err := r.Advance(s); err != nil {
				t.Fatalf("Advance(%s): %v", s, err)
			}
		}
		before := r.Current()
		err := r.Advance(tt.to)
		if err == nil {
			t.Errorf("%s → %s: ожидалась ошибка", before, tt.to)
			continue
		}
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("ожидалась *TransitionError, получено %T", err)
		}
		if te.From != before || te.To != tt.to {
			t.Errorf("TransitionError: ожидалось %s → %s, получено %s → %s", before, tt.to, te.From, te.To)
		}
		if r.Current() != before {
			t.Errorf("стадия не должна измениться после ошибки: %s", r.Current())
		}
	}
}

// TestRun_CancelFromAnyActiveStage проверяет отмену из любой нетерминальной стадии.
func TestRun_CancelFromAnyActiveStage(t *testing.T) {
	chain := []Stage{
		StageCheckingEligibility,
		StageValidatingAttachments,
		StageModerating,
		StageCommitting,
		StagePersisting,
	}
	for i := 0; i <= len(chain); i++ {
		r := New()
		for _, s := range chain[:i] {
			if err := r.Advance(s); err != nil {
				t.Fatalf("Advance(%s): %v", s, err)
			}
		}
		if err := r.Advance(StageCancelled); err != nil {
			t.Errorf("отмена из %s: неожиданная ошибка: %v", r.Current(), err)
		}
	}
}

// TestRun_NoTransitionsFromTerminal проверяет, что терминальная стадия финальна.
func TestRun_NoTransitionsFromTerminal(t *testing.T) {
	r := New()
	_ = r.Advance(StageCheckingEligibility)
	_ = r.Advance(StageSuspended)

	for _, s := range []Stage{StageCancelled, StageValidatingAttachments, StageCommitted} {
		if r.CanAdvance(s) {
			t.Errorf("suspended → %s не должен быть допустим", s)
		}
	}
}

// TestRun_Elapsed проверяет учёт времени обработки.
func TestRun_Elapsed(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newWithClock(clock.now)

	clock.advance(150 * time.Millisecond)
	_ = r.Advance(StageCheckingEligibility)
	clock.advance(50 * time.Millisecond)

	if r.Elapsed() != 200*time.Millisecond {
		t.Errorf("Elapsed: ожидалось 200ms, получено %v", r.Elapsed())
	}
	h := r.History()
	if len(h) != 1 || !h[0].At.Equal(clock.t.Add(-50*time.Millisecond)) {
		t.Errorf("History: неожиданная запись %+v", h)
	}
}
