// Package session реализует сторону инициатора: установление сессии,
// push/pull циклы с checkpoint-ами, маршрутизацию конфликтов в резолвер
// и переподключение с экспоненциальным backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/models"
	"github.com/iudanet/usp/internal/resolve"
	"github.com/iudanet/usp/internal/storage"
	"github.com/iudanet/usp/internal/transport"
	"github.com/iudanet/usp/pkg/usp"
)

// ErrClosed indicates that the session was closed
var ErrClosed = errors.New("session is closed")

// Config конфигурация сессии инициатора
type Config struct {
	PeerID       string // идентификатор пира для ключа checkpoint-а
	AuthToken    string
	Collections  []string
	Capabilities []string
	MaxBatch     int
	PollInterval time.Duration

	// RequestTimeout ограничивает каждый отдельный обмен с пиром
	RequestTimeout time.Duration

	RetryBase  time.Duration
	MaxRetries uint64
}

// withDefaults заполняет нулевые поля конфигурации
func (c Config) withDefaults() Config {
	if c.PeerID == "" {
		c.PeerID = "default"
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = []string{usp.CapPush, usp.CapPull}
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	return c
}

// Session управляет синхронизацией локальной реплики с одним пиром
type Session struct {
	conn     transport.Conn
	docs     *document.Store
	store    storage.Storage
	resolver *resolve.Resolver
	logger   *slog.Logger

	states *StateFeed
	events *EventFeed

	closeC    chan struct{}
	kickC     chan struct{}
	closeOnce sync.Once

	cfg Config

	// Поля сессии, устанавливаемые handshake-ом
	sessionID    string
	checkpoint   string
	capabilities []string
}

// New создает сессию синхронизации
func New(conn transport.Conn, docs *document.Store, store storage.Storage, resolver *resolve.Resolver, cfg Config, logger *slog.Logger) *Session {
	s := &Session{
		conn:     conn,
		docs:     docs,
		store:    store,
		resolver: resolver,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		states:   NewStateFeed(),
		events:   NewEventFeed(),
		closeC:   make(chan struct{}),
		kickC:    make(chan struct{}, 1),
	}
	// Уведомление пира будит цикл ожидания так же, как локальная запись
	conn.Notify(func(*usp.Envelope) { s.Kick() })
	return s
}

// States возвращает feed состояний сессии
func (s *Session) States() *StateFeed { return s.states }

// Events возвращает feed событий сессии
func (s *Session) Events() *EventFeed { return s.events }

// Close завершает сессию. Наблюдаемо во всех точках ожидания:
// Run вернет ErrClosed, не дожидаясь конца цикла ожидания или ретрая.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
	})
}

// Apply применяет локальную операцию: документ меняется сразу,
// изменение пишется в лог и очередь для следующего push-а.
func (s *Session) Apply(ctx context.Context, collection, docID string, op models.Operation, fields []models.FieldOp) (*models.ChangeRecord, error) {
	rec, err := s.docs.ApplyLocal(collection, docID, op, fields)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append local change: %w", err)
	}
	if err := s.store.Enqueue(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to enqueue local change: %w", err)
	}
	s.Kick()
	return rec, nil
}

// Kick будит цикл ожидания: следующий sync начнется, не дожидаясь
// конца PollInterval. Вызов никогда не блокируется.
func (s *Session) Kick() {
	select {
	case s.kickC <- struct{}{}:
	default:
	}
}

// Run ведет сессию до отмены контекста или Close.
// Ошибки соединения и retryable ошибки протокола переживаются
// переподключением с экспоненциальным backoff; терминальные ошибки
// протокола останавливают сессию в состоянии error.
func (s *Session) Run(ctx context.Context) error {
	s.states.Publish(StateIdle)

	for {
		if err := s.checkAlive(ctx); err != nil {
			s.states.Publish(StateClosed)
			return err
		}

		if err := s.connectWithRetry(ctx); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				s.states.Publish(StateClosed)
				return err
			}
			s.fail(err)
			return err
		}

		err := s.syncLoop(ctx)
		switch {
		case err == nil:
			continue // sessionExpired: новый handshake
		case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
			s.states.Publish(StateClosed)
			return err
		case isTerminal(err):
			s.fail(err)
			return err
		default:
			// Retryable: возвращаемся к connect фазе
			s.logger.Warn("Sync interrupted, reconnecting", "error", err)
		}
	}
}

// checkAlive возвращает ошибку, если сессия или контекст завершены
func (s *Session) checkAlive(ctx context.Context) error {
	select {
	case <-s.closeC:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// connectWithRetry выполняет handshake с экспоненциальным backoff
func (s *Session) connectWithRetry(ctx context.Context) error {
	s.states.Publish(StateConnecting)

	backoff := retry.WithMaxRetries(s.cfg.MaxRetries,
		retry.WithCappedDuration(30*time.Second,
			retry.NewExponential(s.cfg.RetryBase)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.checkAlive(ctx); err != nil {
			return err
		}

		err := s.handshake(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || isTerminal(err) {
			return err
		}
		s.logger.Warn("Handshake failed, will retry", "error", err)
		return retry.RetryableError(err)
	})
}

// syncLoop чередует циклы синхронизации и ожидание.
// Возвращает nil, когда сессия протухла и нужен новый handshake.
func (s *Session) syncLoop(ctx context.Context) error {
	for {
		stats, err := s.syncOnce(ctx)
		if err != nil {
			if isSessionExpired(err) {
				s.logger.Info("Session expired, re-handshaking")
				return nil
			}
			s.events.Publish(Event{Name: EventSyncError, Err: err, Time: time.Now()})
			return err
		}

		s.events.Publish(Event{Name: EventSyncComplete, Stats: stats, Time: time.Now()})
		s.logger.Info("Sync cycle completed",
			"pushed", stats.Pushed,
			"pulled", stats.Pulled,
			"conflicts", stats.Conflicts,
		)

		s.states.Publish(StateWaiting)
		select {
		case <-s.closeC:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kickC:
		case <-time.After(s.cfg.PollInterval):
		}

		if err := s.keepalive(ctx); err != nil {
			return err
		}
	}
}

// fail публикует терминальное состояние ошибки. Сессия после этого
// закрыта: error - проходное состояние, конечное всегда closed.
func (s *Session) fail(err error) {
	s.logger.Error("Session failed", "error", err)
	s.events.Publish(Event{Name: EventSyncError, Err: err, Time: time.Now()})
	s.states.Publish(StateError)
	s.states.Publish(StateClosed)
}

// isTerminal распознает ошибки протокола, которые не чинятся ретраем
// в рамках той же конфигурации
func isTerminal(err error) bool {
	var wireErr *usp.WireError
	if !errors.As(err, &wireErr) {
		return false
	}
	return !wireErr.Retryable()
}

// isSessionExpired распознает ошибки, требующие нового handshake
func isSessionExpired(err error) bool {
	var wireErr *usp.WireError
	if !errors.As(err, &wireErr) {
		return false
	}
	return wireErr.Code.NeedsHandshake()
}
