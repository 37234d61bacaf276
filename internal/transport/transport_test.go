package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/usp/pkg/usp"
)

// echoHandler отвечает pong-ом на любой конверт
func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error) {
		return usp.NewEnvelope(usp.TypePong, env.Timestamp, usp.Pong{
			PingTimestamp: env.Timestamp,
			Clock:         usp.Timestamp{WallMs: env.Timestamp.WallMs + 1},
		})
	})
}

func pingEnvelope(t *testing.T) *usp.Envelope {
	t.Helper()
	env, err := usp.NewEnvelope(usp.TypePing, usp.Timestamp{WallMs: 100}, usp.Ping{})
	require.NoError(t, err)
	return env
}

func assertPongEcho(t *testing.T, reply *usp.Envelope) {
	t.Helper()
	require.Equal(t, usp.TypePong, reply.Type)

	payload, err := reply.DecodePayload()
	require.NoError(t, err)
	pong, ok := payload.(usp.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(100), pong.PingTimestamp.WallMs)
}

func TestMemoryConn_Exchange(t *testing.T) {
	conn := NewMemoryConn(echoHandler())

	reply, err := conn.Exchange(context.Background(), pingEnvelope(t))

	require.NoError(t, err)
	assertPongEcho(t, reply)
}

func TestMemoryConn_ClosedReturnsError(t *testing.T) {
	conn := NewMemoryConn(echoHandler())
	require.NoError(t, conn.Close())

	_, err := conn.Exchange(context.Background(), pingEnvelope(t))

	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConn_ValidatesWireFormat(t *testing.T) {
	conn := NewMemoryConn(echoHandler())

	env := pingEnvelope(t)
	env.ID = ""

	_, err := conn.Exchange(context.Background(), env)

	var wireErr *usp.WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, usp.CodeInvalidMessage, wireErr.Code)
}

func TestHTTPConn_Exchange(t *testing.T) {
	srv := httptest.NewServer(NewHTTPHandler(echoHandler()))
	defer srv.Close()

	conn := NewHTTPConn(srv.URL)
	defer func() {
		_ = conn.Close()
	}()

	reply, err := conn.Exchange(context.Background(), pingEnvelope(t))

	require.NoError(t, err)
	assertPongEcho(t, reply)
}

func TestHTTPHandler_MalformedEnvelopeGetsErrorReply(t *testing.T) {
	srv := httptest.NewServer(NewHTTPHandler(echoHandler()))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+SyncPath, "application/json", strings.NewReader(`{"protocol":"ftp"}`))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	env, err := usp.Decode(body)
	require.NoError(t, err)
	require.Equal(t, usp.TypeError, env.Type)

	payload, err := env.DecodePayload()
	require.NoError(t, err)
	errPayload, ok := payload.(usp.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, usp.CodeInvalidMessage, errPayload.Code)
}

func TestWSConn_Exchange(t *testing.T) {
	srv := httptest.NewServer(NewWSHandler(echoHandler()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := DialWS(context.Background(), wsURL)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()

	for range 3 {
		reply, err := conn.Exchange(context.Background(), pingEnvelope(t))
		require.NoError(t, err)
		assertPongEcho(t, reply)
	}
}

func TestWSConn_ClosedReturnsError(t *testing.T) {
	srv := httptest.NewServer(NewWSHandler(echoHandler()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := DialWS(context.Background(), wsURL)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.Exchange(context.Background(), pingEnvelope(t))

	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConn_PublishReachesCallback(t *testing.T) {
	conn := NewMemoryConn(echoHandler())

	got := make(chan *usp.Envelope, 1)
	conn.Notify(func(env *usp.Envelope) { got <- env })

	conn.Publish(pingEnvelope(t))

	select {
	case env := <-got:
		assert.Equal(t, usp.TypePing, env.Type)
	default:
		t.Fatal("notification never reached the callback")
	}
}

func TestMemoryConn_PublishAfterCloseDropped(t *testing.T) {
	conn := NewMemoryConn(echoHandler())

	got := make(chan *usp.Envelope, 1)
	conn.Notify(func(env *usp.Envelope) { got <- env })
	require.NoError(t, conn.Close())

	conn.Publish(pingEnvelope(t))

	assert.Empty(t, got)
}

func TestWSConn_NotificationBeforeReplyDispatched(t *testing.T) {
	// Responder шлет уведомление перед ответом в том же соединении
	handler := HandlerFunc(func(ctx context.Context, env *usp.Envelope) (*usp.Envelope, error) {
		return usp.NewEnvelope(usp.TypePong, env.Timestamp, usp.Pong{PingTimestamp: env.Timestamp})
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
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
			env, err := usp.Decode(data)
			if err != nil {
				return
			}

			notice, _ := usp.NewEnvelope(usp.TypePush, env.Timestamp, usp.Push{})
			noticeData, _ := notice.Encode()
			if err := ws.WriteMessage(websocket.TextMessage, noticeData); err != nil {
				return
			}

			reply, err := handler.Handle(r.Context(), env)
			if err != nil {
				return
			}
			out, _ := reply.Encode()
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := DialWS(context.Background(), wsURL)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()

	notices := make(chan *usp.Envelope, 1)
	conn.Notify(func(env *usp.Envelope) { notices <- env })

	reply, err := conn.Exchange(context.Background(), pingEnvelope(t))

	require.NoError(t, err)
	assertPongEcho(t, reply)
	select {
	case env := <-notices:
		assert.Equal(t, usp.TypePush, env.Type)
	default:
		t.Fatal("notification was swallowed instead of dispatched")
	}
}
