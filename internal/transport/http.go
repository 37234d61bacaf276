package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/iudanet/usp/pkg/usp"
)

// SyncPath путь endpoint-а синхронизации
const SyncPath = "/api/v1/sync"

// HTTPConn транспорт инициатора поверх HTTP: каждый Exchange - один
// POST с конвертом в теле и ответным конвертом в ответе.
type HTTPConn struct {
	httpClient *http.Client
	baseURL    string
}

var _ Conn = (*HTTPConn)(nil)

// NewHTTPConn создает HTTP соединение к responder-у
func NewHTTPConn(baseURL string) *HTTPConn {
	return &HTTPConn{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Exchange отправляет конверт и декодирует ответный
func (c *HTTPConn) Exchange(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error) {
	if c.httpClient == nil {
		return nil, ErrClosed
	}

	data, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SyncPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Ошибки протокола приходят error конвертом с кодом 200;
	// не-2xx означает отказ транспортного уровня
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	reply, err := usp.Decode(respBody)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}
	return reply, nil
}

// Notify принимает callback, но никогда его не вызывает:
// у HTTP нет server push, инициатор живет на polling-е
func (c *HTTPConn) Notify(fn func(*usp.Envelope)) {}

// Close помечает соединение закрытым
func (c *HTTPConn) Close() error {
	c.httpClient = nil
	return nil
}

// NewHTTPHandler адаптирует Handler к http.Handler.
// Конверт читается из тела POST, ответный пишется в ответ.
func NewHTTPHandler(handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		env, err := usp.Decode(body)
		if err != nil {
			writeEnvelope(w, errorEnvelope(err))
			return
		}

		reply, err := handler.Handle(r.Context(), env)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, reply)
	})
}

// errorEnvelope упаковывает ошибку декодирования в error конверт
func errorEnvelope(err error) *usp.Envelope {
	var wireErr *usp.WireError
	if !errors.As(err, &wireErr) {
		wireErr = &usp.WireError{Code: usp.CodeInternalError, Message: err.Error()}
	}
	env, buildErr := usp.NewEnvelope(usp.TypeError, usp.Timestamp{WallMs: time.Now().UnixMilli()}, wireErr.Payload())
	if buildErr != nil {
		return nil
	}
	return env
}

func writeEnvelope(w http.ResponseWriter, env *usp.Envelope) {
	if env == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	data, err := env.Encode()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
