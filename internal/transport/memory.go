package transport

import (
	"context"
	"sync"

	"github.com/iudanet/usp/pkg/usp"
)

// MemoryConn соединяет инициатора с responder-ом прямым вызовом.
// Используется тестами и conformance suite: никакой сети, но та же
// последовательность конвертов, что и на реальном транспорте.
type MemoryConn struct {
	handler Handler
	notify  func(*usp.Envelope)
	mu      sync.Mutex
	closed  bool
}

var _ Conn = (*MemoryConn)(nil)

// NewMemoryConn создает in-memory соединение к handler-у
func NewMemoryConn(handler Handler) *MemoryConn {
	return &MemoryConn{handler: handler}
}

// Exchange доставляет конверт responder-у и возвращает его ответ
func (c *MemoryConn) Exchange(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Прогоняем через wire-кодек: responder видит ровно те байты,
	// что увидел бы на сети
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	decoded, err := usp.Decode(data)
	if err != nil {
		return nil, err
	}

	return c.handler.Handle(ctx, decoded)
}

// Notify регистрирует callback внеочередных конвертов
func (c *MemoryConn) Notify(fn func(*usp.Envelope)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Publish доставляет инициатору внеочередной конверт от responder-а.
// Используется тестами для имитации server push.
func (c *MemoryConn) Publish(env *usp.Envelope) {
	c.mu.Lock()
	fn := c.notify
	closed := c.closed
	c.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(env)
}

// Close закрывает соединение
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
