package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/usp/pkg/usp"
)

// WSConn транспорт инициатора поверх WebSocket. Обмены сериализованы:
// протокол строго request/response, следующий конверт уходит только
// после ответа на предыдущий.
type WSConn struct {
	ws       *websocket.Conn
	notify   func(*usp.Envelope)
	mu       sync.Mutex
	notifyMu sync.Mutex
	closed   bool
}

// isReplyType отличает ответ на запрос от внеочередного уведомления
// responder-а в том же соединении.
func isReplyType(typ usp.MessageType) bool {
	switch typ {
	case usp.TypeHandshakeAck, usp.TypePushAck, usp.TypePullResponse,
		usp.TypeCheckpointAck, usp.TypePong, usp.TypeError:
		return true
	default:
		return false
	}
}

var _ Conn = (*WSConn)(nil)

// DialWS устанавливает WebSocket соединение с responder-ом
func DialWS(ctx context.Context, wsURL string) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &WSConn{ws: ws}, nil
}

// Exchange отправляет конверт и читает ответный
func (c *WSConn) Exchange(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.SetReadDeadline(deadline)
	}

	data, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("websocket write failed: %w", err)
	}

	// Уведомления responder-а могут прийти раньше ответа:
	// отдаем их callback-у и ждем реплику дальше
	for {
		_, reply, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("websocket read failed: %w", err)
		}

		decoded, err := usp.Decode(reply)
		if err != nil {
			return nil, fmt.Errorf("failed to decode response envelope: %w", err)
		}
		if isReplyType(decoded.Type) {
			return decoded, nil
		}
		c.notifyMu.Lock()
		fn := c.notify
		c.notifyMu.Unlock()
		if fn != nil {
			fn(decoded)
		}
	}
}

// Notify регистрирует callback внеочередных конвертов
func (c *WSConn) Notify(fn func(*usp.Envelope)) {
	c.notifyMu.Lock()
	c.notify = fn
	c.notifyMu.Unlock()
}

// Close закрывает WebSocket соединение
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// NewWSHandler адаптирует Handler к WebSocket endpoint-у:
// каждое входящее сообщение обрабатывается и отвечается в том же
// соединении, в порядке поступления.
func NewWSHandler(handler Handler) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = ws.Close()
		}()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}

			var reply *usp.Envelope
			env, err := usp.Decode(data)
			if err != nil {
				reply = errorEnvelope(err)
			} else {
				reply, err = handler.Handle(r.Context(), env)
				if err != nil {
					return
				}
			}

			if reply == nil {
				return
			}
			out, err := reply.Encode()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	})
}
