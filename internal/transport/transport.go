// Package transport абстрагирует доставку конвертов протокола.
// Сессия работает с request/response парой поверх любого транспорта:
// in-memory (тесты и conformance), HTTP long-poll, WebSocket.
package transport

import (
	"context"
	"errors"

	"github.com/iudanet/usp/pkg/usp"
)

// ErrClosed indicates that the connection is closed
var ErrClosed = errors.New("transport connection is closed")

//go:generate moq -out conn_mock.go . Conn

// Conn соединение инициатора с responder-ом
type Conn interface {
	// Exchange отправляет конверт и ждет коррелированный ответ.
	// Отмена контекста прерывает ожидание, не закрывая соединение.
	Exchange(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error)

	// Notify регистрирует callback для внеочередных конвертов от
	// responder-а: уведомлений, не являющихся ответом на запрос.
	// Транспорты без server push (HTTP) регистрируют, но не вызывают.
	Notify(fn func(*usp.Envelope))

	// Close закрывает соединение; дальнейшие Exchange возвращают
	// ErrClosed
	Close() error
}

// Handler обрабатывает входящие конверты на стороне responder-а
type Handler interface {
	// Handle возвращает ответный конверт на каждый запрос.
	// Ошибки протокола кодируются error конвертом, а не error
	// возвратом: err здесь означает отказ транспортного уровня.
	Handle(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error)
}

// HandlerFunc адаптер функции к Handler
type HandlerFunc func(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error)

// Handle вызывает f
func (f HandlerFunc) Handle(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error) {
	return f(ctx, env)
}
