// Package peer реализует responder сторону протокола синхронизации:
// прием handshake, применение push батчей, выдачу pull страниц,
// фиксацию checkpoint-ов и обнаружение конфликтов.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/storage"
	"github.com/iudanet/usp/internal/transport"
	"github.com/iudanet/usp/pkg/usp"
)

// defaultMaxBatch предел размера pull страницы и принимаемого push батча
const defaultMaxBatch = 100

// Config конфигурация responder-а
type Config struct {
	Auth         *TokenAuth   // nil - без аутентификации
	RateLimit    *RateLimiter // nil - без ограничения частоты
	Collections  []string     // обслуживаемые коллекции; пусто - все
	Capabilities []string
	MaxBatch     int
}

// session активная сессия синхронизации одного инициатора
type session struct {
	id           string
	nodeID       string
	capabilities []string
}

// Responder обрабатывает конверты протокола на принимающей стороне
type Responder struct {
	docs     *document.Store
	store    storage.Storage
	logger   *slog.Logger
	sessions map[string]*session
	cfg      Config
	mu       sync.Mutex
}

var _ transport.Handler = (*Responder)(nil)

// NewResponder создает responder поверх хранилища документов и
// персистентного слоя.
func NewResponder(docs *document.Store, store storage.Storage, cfg Config, logger *slog.Logger) *Responder {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{usp.CapPush, usp.CapPull}
	}
	return &Responder{
		docs:     docs,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Handle обрабатывает один входящий конверт и возвращает ответный.
// Ошибки протокола кодируются error конвертами; error возврат
// означает отказ самого responder-а построить ответ.
func (r *Responder) Handle(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error) {
	payload, err := env.DecodePayload()
	if err != nil {
		return r.errorReply(err)
	}

	switch p := payload.(type) {
	case usp.Handshake:
		return r.handleHandshake(ctx, p)
	case usp.Push:
		return r.handlePush(ctx, p)
	case usp.Pull:
		return r.handlePull(ctx, p)
	case usp.CheckpointExchange:
		return r.handleCheckpoint(ctx, p)
	case usp.ConflictResolution:
		return r.handleResolution(ctx, p)
	case usp.Ping:
		return r.reply(usp.TypePong, usp.Pong{
			PingTimestamp: env.Timestamp,
			Clock:         r.clockNow(),
		})
	default:
		// Ответные типы (ack-и, pull-response, pong) и чужие error
		// конверты инициатор не должен присылать как запросы
		return r.errorReply(&usp.WireError{
			Code:    usp.CodeUnsupported,
			Message: "message type " + string(env.Type) + " is not a request",
		})
	}
}

// Close закрывает фоновые ресурсы responder-а
func (r *Responder) Close() {
	if r.cfg.RateLimit != nil {
		r.cfg.RateLimit.Stop()
	}
}

// session возвращает активную сессию по id
func (r *Responder) session(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// register создает сессию для узла, вытесняя прежнюю сессию того же
// узла: у одного пира не бывает двух активных сессий.
func (r *Responder) register(nodeID string, capabilities []string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if s.nodeID == nodeID {
			delete(r.sessions, id)
		}
	}

	s := &session{
		id:           uuid.New().String(),
		nodeID:       nodeID,
		capabilities: capabilities,
	}
	r.sessions[s.id] = s
	return s
}

// clockNow возвращает wire-форму текущих часов узла
func (r *Responder) clockNow() usp.Timestamp {
	current := r.docs.Clock().Current()
	return usp.Timestamp{WallMs: current.Time.WallMs, Logical: current.Time.Logical}
}

// reply строит ответный конверт
func (r *Responder) reply(typ usp.MessageType, payload any) (*usp.Envelope, error) {
	return usp.NewEnvelope(typ, r.clockNow(), payload)
}

// errorReply строит error конверт из ошибки протокола
func (r *Responder) errorReply(err error) (*usp.Envelope, error) {
	var wireErr *usp.WireError
	if !errors.As(err, &wireErr) {
		wireErr = &usp.WireError{Code: usp.CodeInternalError, Message: err.Error()}
	}

	if r.logger != nil {
		r.logger.Warn("Protocol error",
			"code", wireErr.Code,
			"message", wireErr.Message,
		)
	}
	return r.reply(usp.TypeError, wireErr.Payload())
}

// errorCode строит error конверт с заданным кодом
func (r *Responder) errorCode(code usp.ErrorCode, message string) (*usp.Envelope, error) {
	return r.errorReply(&usp.WireError{Code: code, Message: message})
}

// servesCollection проверяет, обслуживается ли коллекция
func (r *Responder) servesCollection(name string) bool {
	if len(r.cfg.Collections) == 0 {
		return true
	}
	for _, c := range r.cfg.Collections {
		if c == name {
			return true
		}
	}
	return false
}
