package model

import "time"

// Коды причин нарушений модерации.
const (
	ReasonProfaneContent       = "PROFANE_CONTENT"
	ReasonSpamPattern          = "SPAM_PATTERN"
	ReasonPersonalData         = "PERSONAL_DATA"
	ReasonSuspiciousAttachment = "SUSPICIOUS_ATTACHMENT"
)

// StrikeState — состояние нарушений пользователя.
// Создаётся при первом нарушении, изменяется только журналом нарушений.
type StrikeState struct {
	UserID string `json:"user_id"`
	// StrikeCount — общее количество нарушений за всё время
	StrikeCount int `json:"strike_count"`
	// SuspendedUntil — окончание блокировки; nil, если блокировок не было
	SuspendedUntil *time.Time `json:"suspended_until,omitempty"`
	// SuspendedAt — начало последней блокировки
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SuspendedAtTime возвращает true, если блокировка действует в момент now.
func (s *StrikeState) SuspendedAtTime(now time.Time) bool {
	return s != nil && s.SuspendedUntil != nil && now.Before(*s.SuspendedUntil)
}

// Violation — событие нарушения (append-only), основа скользящего окна.
type Violation struct {
	UserID     string    `json:"user_id"`
	ReasonCode string    `json:"reason_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// ModerationOutcome — результат модерации.
type ModerationOutcome string

const (
	Approved ModerationOutcome = "approved"
	Rejected ModerationOutcome = "rejected"
)

// ModerationVerdict — решение модерации по заявке.
type ModerationVerdict struct {
	Outcome    ModerationOutcome `json:"outcome"`
	ReasonCode string            `json:"reason_code,omitempty"`
	// ViolatingAttachmentIndices — индексы вложений, вызвавших отказ
	ViolatingAttachmentIndices []int `json:"violating_attachment_indices,omitempty"`
}

// Approve возвращает одобряющий вердикт.
func Approve() ModerationVerdict {
	return ModerationVerdict{Outcome: Approved}
}

// Reject возвращает отклоняющий вердикт с причиной и индексами вложений.
func Reject(reason string, indices ...int) ModerationVerdict {
	return ModerationVerdict{Outcome: Rejected, ReasonCode: reason, ViolatingAttachmentIndices: indices}
}
