// Пакет wal — файловый журнал пакетов вложений.
// Обеспечивает атомарность записи вложений ответа: если процесс
// упал между записью файлов и сохранением ответа, pending-запись
// журнала позволяет удалить осиротевшие объекты.
// Каждый пакет — отдельный файл {tx_id}.wal.json в AN_WAL_DIR.
package wal

import (
	"time"
)

// TransactionStatus — статус пакета в журнале.
type TransactionStatus string

const (
	// StatusPending — пакет начат, объекты записываются или ожидают сохранения ответа
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — ответ сохранён, объекты принадлежат ему
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — пакет отменён, объекты удалены
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись журнала. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	// TransactionID — уникальный идентификатор пакета (UUID v4)
	TransactionID string `json:"transaction_id"`

	// Status — текущий статус пакета
	Status TransactionStatus `json:"status"`

	// Backend — тип хранилища объектов (disk, s3)
	Backend string `json:"backend"`

	// Objects — имена всех объектов пакета. Заполняется до начала записи,
	// поэтому может содержать имена ещё не записанных объектов.
	Objects []string `json:"objects"`

	// StartedAt — время начала пакета (UTC)
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время завершения пакета (UTC).
	// nil для pending пакетов.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walSuffix — расширение файлов записей журнала.
const walSuffix = ".wal.json"

func walFileName(txID string) string {
	return txID + walSuffix
}
