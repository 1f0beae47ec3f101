// Пакет pipeline — конечный автомат стадий обработки заявки на ответ.
//
// Основная цепочка:
//
//	received → checking_eligibility → validating_attachments → moderating →
//	committing → persisting → committed
//
// Каждая рабочая стадия имеет свой терминальный отказ
// (suspended, invalid, rejected), storage_failed означает сбой
// зависимости, а cancelled доступен из любой нетерминальной стадии
// (клиент закрыл соединение).
//
// Экземпляр принадлежит одному запросу и не разделяется между горутинами.
package pipeline

import (
	"fmt"
	"time"
)

// Stage — стадия обработки заявки.
type Stage string

const (
	StageReceived              Stage = "received"
	StageCheckingEligibility   Stage = "checking_eligibility"
	StageValidatingAttachments Stage = "validating_attachments"
	StageModerating            Stage = "moderating"
	StageCommitting            Stage = "committing"
	StagePersisting            Stage = "persisting"

	// Терминальные стадии
	StageSuspended     Stage = "suspended"
	StageInvalid       Stage = "invalid"
	StageRejected      Stage = "rejected"
	StageStorageFailed Stage = "storage_failed"
	StageCommitted     Stage = "committed"
	StageCancelled     Stage = "cancelled"
)

// validTransitions — матрица допустимых переходов.
// Переход в cancelled разрешён отдельно из любой нетерминальной стадии.
var validTransitions = map[Stage]map[Stage]bool{
	StageReceived:              {StageCheckingEligibility: true},
	StageCheckingEligibility:   {StageValidatingAttachments: true, StageSuspended: true, StageStorageFailed: true},
	StageValidatingAttachments: {StageModerating: true, StageInvalid: true},
	StageModerating:            {StageCommitting: true, StageRejected: true, StageStorageFailed: true},
	StageCommitting:            {StagePersisting: true, StageStorageFailed: true},
	StagePersisting:            {StageCommitted: true, StageStorageFailed: true},
}

// terminal — стадии, после которых переходы невозможны.
var terminal = map[Stage]bool{
	StageSuspended:     true,
	StageInvalid:       true,
	StageRejected:      true,
	StageStorageFailed: true,
	StageCommitted:     true,
	StageCancelled:     true,
}

// TransitionRecord — запись о переходе между стадиями.
type TransitionRecord struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

// Run — состояние обработки одной заявки.
type Run struct {
	current Stage
	started time.Time
	history []TransitionRecord
	now     func() time.Time
}

// New создаёт автомат в стадии received.
func New() *Run {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Run {
	return &Run{
		current: StageReceived,
		started: now(),
		history: make([]TransitionRecord, 0, 6),
		now:     now,
	}
}

// Current возвращает текущую стадию.
func (r *Run) Current() Stage {
	return r.current
}

// Terminal возвращает true, если обработка завершена.
func (r *Run) Terminal() bool {
	return terminal[r.current]
}

// CanAdvance проверяет, допустим ли переход в указанную стадию.
func (r *Run) CanAdvance(target Stage) bool {
	if terminal[r.current] {
		return false
	}
	if target == StageCancelled {
		return true
	}
	return validTransitions[r.current][target]
}

// Advance выполняет переход в указанную стадию.
// Возвращает *TransitionError, если переход недопустим.
func (r *Run) Advance(target Stage) error {
	if !r.CanAdvance(target) {
		return &TransitionError{From: r.current, To: target}
	}
	r.history = append(r.history, TransitionRecord{From: r.current, To: target, At: r.now()})
	r.current = target
	return nil
}

// LastActive возвращает последнюю рабочую (нетерминальную) стадию.
// Для завершённой обработки это стадия, на которой она остановилась.
func (r *Run) LastActive() Stage {
	if terminal[r.current] && len(r.history) > 0 {
		return r.history[len(r.history)-1].From
	}
	return r.current
}

// Elapsed возвращает время с начала обработки.
func (r *Run) Elapsed() time.Duration {
	return r.now().Sub(r.started)
}

// History возвращает историю переходов (копия).
func (r *Run) History() []TransitionRecord {
	result := make([]TransitionRecord, len(r.history))
	copy(result, r.history)
	return result
}

// TransitionError — ошибка перехода между стадиями.
type TransitionError struct {
	From Stage
	To   Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: переход %s → %s недопустим", e.From, e.To)
}
