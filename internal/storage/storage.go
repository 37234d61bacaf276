// Package storage определяет интерфейсы персистентности реплики:
// change log, checkpoint-ы пиров, снимки документов и очередь
// неотправленных изменений. Реализации - boltdb (клиентский профиль)
// и sqlite (серверный профиль).
package storage

import (
	"context"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/models"
)

//go:generate moq -out changelog_mock.go . ChangeLog

// ChangeLog персистентный лог изменений узла. Seq присваивается
// при append, монотонно растет и никогда не переиспользуется.
type ChangeLog interface {
	// Append добавляет запись в лог и возвращает присвоенный seq.
	// Идемпотентен по record ID: повторный append уже известной
	// записи возвращает существующий seq без дублирования.
	Append(ctx context.Context, rec *models.ChangeRecord) (uint64, error)

	// Since возвращает записи с seq строго больше afterSeq в порядке
	// seq. Пустой collections - без фильтра. limit > 0 ограничивает
	// страницу; второй результат сигналит, что записи остались.
	Since(ctx context.Context, afterSeq uint64, collections []string, limit int) ([]*models.ChangeRecord, bool, error)

	// LastSeq возвращает seq последней записи лога (0 для пустого)
	LastSeq(ctx context.Context) (uint64, error)
}

//go:generate moq -out checkpoints_mock.go . CheckpointStore

// CheckpointStore хранит подтвержденные позиции пиров в нашем логе
// и нашу позицию в логах пиров. Токены непрозрачны.
type CheckpointStore interface {
	// Checkpoint возвращает сохраненный токен пира.
	// Пустая строка без ошибки - пир еще не синхронизировался.
	Checkpoint(ctx context.Context, peerID string) (string, error)

	// SaveCheckpoint фиксирует токен пира, перезаписывая прежний
	SaveCheckpoint(ctx context.Context, peerID, token string) error
}

//go:generate moq -out documents_mock.go . DocumentStore

// DocumentStore хранит CRDT снимки документов между рестартами
type DocumentStore interface {
	// SaveDocument сохраняет снимок, перезаписывая прежний
	SaveDocument(ctx context.Context, snap document.DocumentSnapshot) error

	// LoadDocuments возвращает все сохраненные снимки
	LoadDocuments(ctx context.Context) ([]document.DocumentSnapshot, error)
}

//go:generate moq -out clock_mock.go . ClockStore

// ClockStore хранит причинные часы узла между рестартами.
// Без сохраненного seed HLC после рестарта может выдать метку,
// не превосходящую уже опубликованные.
type ClockStore interface {
	// SaveClock сохраняет состояние часов, перезаписывая прежнее
	SaveClock(ctx context.Context, stamp clock.Stamp) error

	// LoadClock возвращает сохраненное состояние.
	// Нулевой Stamp без ошибки - часы еще не сохранялись.
	LoadClock(ctx context.Context) (clock.Stamp, error)
}

//go:generate moq -out pending_mock.go . PendingQueue

// PendingQueue очередь локальных изменений, еще не подтвержденных
// пиром. Записи покидают очередь только после ack: push, упавший
// до ответа, будет повторен с теми же записями.
type PendingQueue interface {
	// Enqueue ставит запись в очередь в порядке создания
	Enqueue(ctx context.Context, rec *models.ChangeRecord) error

	// Pending возвращает записи очереди в порядке постановки.
	// limit > 0 ограничивает батч.
	Pending(ctx context.Context, limit int) ([]*models.ChangeRecord, error)

	// Ack убирает подтвержденные записи из очереди
	Ack(ctx context.Context, recordIDs []string) error
}

// Storage объединяет все персистентные поверхности реплики
type Storage interface {
	ChangeLog
	CheckpointStore
	DocumentStore
	ClockStore
	PendingQueue

	// Close закрывает хранилище; дальнейшие вызовы возвращают
	// ErrStorageClosed
	Close() error
}
