package peer

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/models"
	"github.com/iudanet/usp/internal/storage/sqlite"
	"github.com/iudanet/usp/pkg/usp"
)

type testResponder struct {
	responder *Responder
	docs      *document.Store
	client    *document.Store // реплика-инициатор для генерации записей
}

func newTestResponder(t *testing.T, cfg Config) *testResponder {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	serverClock := clock.NewWithNodeID("server")
	serverClock.SetWallClock(fixedWall(1000))
	docs := document.NewStore(serverClock)

	clientClock := clock.NewWithNodeID("client")
	clientClock.SetWallClock(fixedWall(2000))

	r := NewResponder(docs, store, cfg, slog.Default())
	t.Cleanup(r.Close)

	return &testResponder{
		responder: r,
		docs:      docs,
		client:    document.NewStore(clientClock),
	}
}

func fixedWall(ms int64) func() int64 {
	return func() int64 { return ms }
}

// exchange прогоняет payload через Handle и декодирует ответ
func (tr *testResponder) exchange(t *testing.T, typ usp.MessageType, payload any) any {
	t.Helper()

	env, err := usp.NewEnvelope(typ, usp.Timestamp{WallMs: 100}, payload)
	require.NoError(t, err)

	reply, err := tr.responder.Handle(context.Background(), env)
	require.NoError(t, err)

	decoded, err := reply.DecodePayload()
	require.NoError(t, err)
	return decoded
}

func (tr *testResponder) openSession(t *testing.T, caps ...string) string {
	t.Helper()

	if len(caps) == 0 {
		caps = []string{usp.CapPush, usp.CapPull}
	}
	ack, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
		NodeID:       "client",
		Capabilities: caps,
	}).(usp.HandshakeAck)
	require.True(t, ok)
	require.True(t, ack.Accepted)
	return ack.SessionID
}

// clientRecord создает запись на клиентской реплике
func (tr *testResponder) clientRecord(t *testing.T, docID, field, value string) *models.ChangeRecord {
	t.Helper()

	rec, err := tr.client.ApplyLocal("notes", docID, models.OpUpdate, []models.FieldOp{
		{Field: field, Value: []byte(`"` + value + `"`)},
	})
	require.NoError(t, err)
	return rec
}

func TestResponder_HandshakeIntersectsCapabilities(t *testing.T) {
	tr := newTestResponder(t, Config{Capabilities: []string{usp.CapPush, usp.CapPull}})

	ack, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
		NodeID:       "client",
		Capabilities: []string{usp.CapPull, usp.CapStreaming},
	}).(usp.HandshakeAck)

	require.True(t, ok)
	assert.True(t, ack.Accepted)
	assert.NotEmpty(t, ack.SessionID)
	assert.Equal(t, []string{usp.CapPull}, ack.Capabilities)
	assert.Empty(t, ack.Checkpoint, "new peer starts from log beginning")
}

func TestResponder_HandshakeNoSharedCapabilities(t *testing.T) {
	tr := newTestResponder(t, Config{Capabilities: []string{usp.CapPush}})

	ack, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
		NodeID:       "client",
		Capabilities: []string{usp.CapStreaming},
	}).(usp.HandshakeAck)

	require.True(t, ok)
	assert.False(t, ack.Accepted)
	assert.NotEmpty(t, ack.Reason)
}

func TestResponder_HandshakeAuth(t *testing.T) {
	auth := NewTokenAuth("test-secret", time.Hour)
	tr := newTestResponder(t, Config{Auth: auth})

	t.Run("valid token accepted", func(t *testing.T) {
		token, err := auth.IssueToken("client")
		require.NoError(t, err)

		ack, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
			NodeID:       "client",
			AuthToken:    token,
			Capabilities: []string{usp.CapPush},
		}).(usp.HandshakeAck)

		require.True(t, ok)
		assert.True(t, ack.Accepted)
	})

	t.Run("token for another node rejected", func(t *testing.T) {
		token, err := auth.IssueToken("impostor")
		require.NoError(t, err)

		ack, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
			NodeID:       "client",
			AuthToken:    token,
			Capabilities: []string{usp.CapPush},
		}).(usp.HandshakeAck)

		require.True(t, ok)
		assert.False(t, ack.Accepted)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		ack, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
			NodeID:       "client",
			AuthToken:    "not-a-jwt",
			Capabilities: []string{usp.CapPush},
		}).(usp.HandshakeAck)

		require.True(t, ok)
		assert.False(t, ack.Accepted)
	})
}

func TestResponder_PushAppliesRecords(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	rec := tr.clientRecord(t, "d1", "title", "hello")
	ack, ok := tr.exchange(t, usp.TypePush, usp.Push{
		SessionID: sessionID,
		Records:   []usp.ChangeRecord{rec.Wire()},
	}).(usp.PushAck)

	require.True(t, ok)
	assert.Equal(t, []string{rec.ID}, ack.Accepted)
	assert.Empty(t, ack.Rejected)

	state, found := tr.docs.Get("notes", "d1")
	require.True(t, found)
	assert.JSONEq(t, `"hello"`, string(state.Fields["title"]))
}

func TestResponder_PushAckPartitionsEveryRecord(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	good := tr.clientRecord(t, "d1", "title", "ok")
	malformed := good.Wire()
	malformed.ID = "bad-1"
	malformed.Operation = "upsert"

	ack, ok := tr.exchange(t, usp.TypePush, usp.Push{
		SessionID: sessionID,
		Records:   []usp.ChangeRecord{good.Wire(), malformed},
	}).(usp.PushAck)

	require.True(t, ok)
	assert.Equal(t, []string{good.ID}, ack.Accepted)
	require.Len(t, ack.Rejected, 1)
	assert.Equal(t, "bad-1", ack.Rejected[0].RecordID)
	assert.Equal(t, usp.CodeInvalidMessage, ack.Rejected[0].Code)
	assert.Len(t, ack.Accepted, 2-len(ack.Rejected), "every record lands in exactly one partition")
}

func TestResponder_PushConcurrentFieldReplacementIsConflict(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	// Серверная реплика уже изменила то же поле
	_, err := tr.docs.ApplyLocal("notes", "d1", models.OpUpdate, []models.FieldOp{
		{Field: "title", Value: []byte(`"server version"`)},
	})
	require.NoError(t, err)

	// Клиентская запись причинно конкурентна: клиент не видел серверную
	rec := tr.clientRecord(t, "d1", "title", "client version")
	ack, ok := tr.exchange(t, usp.TypePush, usp.Push{
		SessionID: sessionID,
		Records:   []usp.ChangeRecord{rec.Wire()},
	}).(usp.PushAck)

	require.True(t, ok)
	assert.Empty(t, ack.Accepted)
	require.Len(t, ack.Rejected, 1)
	rej := ack.Rejected[0]
	assert.Equal(t, string(models.RejectConflict), rej.Reason)
	assert.Equal(t, usp.CodeConflict, rej.Code)
	require.NotNil(t, rej.Remote, "conflict reject carries responder state for resolution")
	assert.JSONEq(t, `"server version"`, string(rej.Remote.Fields["title"]))
}

func TestResponder_PushConcurrentDistinctFieldsMerges(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	_, err := tr.docs.ApplyLocal("notes", "d1", models.OpUpdate, []models.FieldOp{
		{Field: "title", Value: []byte(`"server title"`)},
	})
	require.NoError(t, err)

	rec := tr.clientRecord(t, "d1", "body", "client body")
	ack, ok := tr.exchange(t, usp.TypePush, usp.Push{
		SessionID: sessionID,
		Records:   []usp.ChangeRecord{rec.Wire()},
	}).(usp.PushAck)

	require.True(t, ok)
	assert.Equal(t, []string{rec.ID}, ack.Accepted)

	state, found := tr.docs.Get("notes", "d1")
	require.True(t, found)
	assert.JSONEq(t, `"server title"`, string(state.Fields["title"]))
	assert.JSONEq(t, `"client body"`, string(state.Fields["body"]))
}

func TestResponder_PushUnknownSession(t *testing.T) {
	tr := newTestResponder(t, Config{})

	rec := tr.clientRecord(t, "d1", "title", "x")
	errPayload, ok := tr.exchange(t, usp.TypePush, usp.Push{
		SessionID: "stale",
		Records:   []usp.ChangeRecord{rec.Wire()},
	}).(usp.ErrorPayload)

	require.True(t, ok)
	assert.Equal(t, usp.CodeSessionExpired, errPayload.Code)
	assert.False(t, errPayload.Retryable, "retrying the same push will not help")
	assert.True(t, errPayload.Code.NeedsHandshake(), "session errors are recoverable via new handshake")
}

func TestResponder_PushUnservedCollectionRejected(t *testing.T) {
	tr := newTestResponder(t, Config{Collections: []string{"notes"}})
	sessionID := tr.openSession(t)

	rec, err := tr.client.ApplyLocal("archive", "d1", models.OpUpdate, []models.FieldOp{
		{Field: "title", Value: []byte(`"x"`)},
	})
	require.NoError(t, err)

	ack, ok := tr.exchange(t, usp.TypePush, usp.Push{
		SessionID: sessionID,
		Records:   []usp.ChangeRecord{rec.Wire()},
	}).(usp.PushAck)

	require.True(t, ok)
	assert.Empty(t, ack.Accepted)
	require.Len(t, ack.Rejected, 1)
	assert.Equal(t, usp.CodeCollectionNotFound, ack.Rejected[0].Code)
}

func TestResponder_PushOversizedBatchRejected(t *testing.T) {
	tr := newTestResponder(t, Config{MaxBatch: 2})
	sessionID := tr.openSession(t)

	records := make([]usp.ChangeRecord, 0, 3)
	for _, id := range []string{"d1", "d2", "d3"} {
		records = append(records, tr.clientRecord(t, id, "title", id).Wire())
	}

	errPayload, ok := tr.exchange(t, usp.TypePush, usp.Push{
		SessionID: sessionID,
		Records:   records,
	}).(usp.ErrorPayload)

	require.True(t, ok)
	assert.Equal(t, usp.CodeQuotaExceeded, errPayload.Code)
	assert.False(t, errPayload.Retryable, "the batch has to shrink, not retry")
}

func TestResponder_PullPaginates(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	ctx := context.Background()
	for _, id := range []string{"d1", "d2", "d3"} {
		rec, err := tr.docs.ApplyLocal("notes", id, models.OpInsert, []models.FieldOp{
			{Field: "title", Value: []byte(`"` + id + `"`)},
		})
		require.NoError(t, err)
		_, err = tr.responder.store.Append(ctx, rec)
		require.NoError(t, err)
	}

	page1, ok := tr.exchange(t, usp.TypePull, usp.Pull{
		SessionID: sessionID,
		Limit:     2,
	}).(usp.PullResponse)
	require.True(t, ok)
	require.Len(t, page1.Records, 2)
	assert.True(t, page1.HasMore)
	assert.NotEmpty(t, page1.Checkpoint)

	page2, ok := tr.exchange(t, usp.TypePull, usp.Pull{
		SessionID:  sessionID,
		Checkpoint: page1.Checkpoint,
		Limit:      2,
	}).(usp.PullResponse)
	require.True(t, ok)
	require.Len(t, page2.Records, 1)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "d3", page2.Records[0].DocumentID)
}

func TestResponder_PullForeignCheckpointRejected(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	foreign := usp.Checkpoint{Seq: 5, NodeID: "somebody-else"}.String()
	errPayload, ok := tr.exchange(t, usp.TypePull, usp.Pull{
		SessionID:  sessionID,
		Checkpoint: foreign,
	}).(usp.ErrorPayload)

	require.True(t, ok)
	assert.Equal(t, usp.CodeInvalidMessage, errPayload.Code)
}

func TestResponder_CheckpointPersistsAcrossSessions(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	token := usp.Checkpoint{Seq: 7, NodeID: "server"}.String()
	ack, ok := tr.exchange(t, usp.TypeCheckpoint, usp.CheckpointExchange{
		SessionID:  sessionID,
		Checkpoint: token,
	}).(usp.CheckpointAck)
	require.True(t, ok)
	assert.Equal(t, token, ack.Checkpoint)

	// Новый handshake того же узла возобновляется с зафиксированной позиции
	hsAck, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
		NodeID:       "client",
		Capabilities: []string{usp.CapPull},
	}).(usp.HandshakeAck)
	require.True(t, ok)
	assert.Equal(t, token, hsAck.Checkpoint)
}

func TestResponder_PingEchoesTimestamp(t *testing.T) {
	tr := newTestResponder(t, Config{})

	pong, ok := tr.exchange(t, usp.TypePing, usp.Ping{}).(usp.Pong)

	require.True(t, ok)
	assert.Equal(t, int64(100), pong.PingTimestamp.WallMs)
}

func TestResponder_ResolutionAppliedAsNewChange(t *testing.T) {
	tr := newTestResponder(t, Config{})
	sessionID := tr.openSession(t)

	_, err := tr.docs.ApplyLocal("notes", "d1", models.OpUpdate, []models.FieldOp{
		{Field: "title", Value: []byte(`"server version"`)},
		{Field: "stale", Value: []byte(`"drop me"`)},
	})
	require.NoError(t, err)

	resolved := &usp.Document{
		ID:         "d1",
		Collection: "notes",
		Fields: map[string]json.RawMessage{
			"title": json.RawMessage(`"merged version"`),
		},
	}
	ack, ok := tr.exchange(t, usp.TypeConflictResolution, usp.ConflictResolution{
		SessionID:  sessionID,
		Collection: "notes",
		DocumentID: "d1",
		Resolved:   resolved,
		Winner:     "merged",
	}).(usp.CheckpointAck)

	require.True(t, ok)
	assert.NotEmpty(t, ack.Checkpoint)

	state, found := tr.docs.Get("notes", "d1")
	require.True(t, found)
	assert.JSONEq(t, `"merged version"`, string(state.Fields["title"]))
	_, staleKept := state.Fields["stale"]
	assert.False(t, staleKept, "fields absent from the resolution are removed")
}

func TestResponder_RateLimitedHandshake(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	tr := newTestResponder(t, Config{RateLimit: limiter})

	tr.openSession(t)

	errPayload, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
		NodeID:       "client",
		Capabilities: []string{usp.CapPush},
	}).(usp.ErrorPayload)

	require.True(t, ok)
	assert.Equal(t, usp.CodeRateLimited, errPayload.Code)
	assert.True(t, errPayload.Retryable)
}

func TestResponder_HandshakeInvalidNodeIDRejected(t *testing.T) {
	tr := newTestResponder(t, Config{})

	errPayload, ok := tr.exchange(t, usp.TypeHandshake, usp.Handshake{
		NodeID:       "no spaces allowed",
		Capabilities: []string{usp.CapPush},
	}).(usp.ErrorPayload)

	require.True(t, ok)
	assert.Equal(t, usp.CodeInvalidMessage, errPayload.Code)
}

func TestResponder_ResponseTypeAsRequestRejected(t *testing.T) {
	tr := newTestResponder(t, Config{})

	errPayload, ok := tr.exchange(t, usp.TypePullResponse, usp.PullResponse{
		Checkpoint: "",
	}).(usp.ErrorPayload)

	require.True(t, ok)
	assert.Equal(t, usp.CodeUnsupported, errPayload.Code)
}
