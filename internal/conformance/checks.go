package conformance

import (
	"context"
	"fmt"
	"strings"

	"github.com/iudanet/usp/pkg/usp"
)

// checks перечислены в порядке выполнения. Каждая проверка сама
// открывает сессию с нужными capability, чтобы не зависеть от соседей.
var checks = []check{
	{name: "handshake-accept", run: checkHandshakeAccept},
	{name: "version-mismatch", run: checkVersionMismatch},
	{name: "capability-intersection", run: checkCapabilityIntersection},
	{name: "push-ack-partition", run: checkPushAckPartition},
	{name: "pull-pagination", run: checkPullPagination},
	{name: "idempotent-retry", run: checkIdempotentRetry},
	{name: "checkpoint-resume", run: checkCheckpointResume},
	{name: "ping-pong-echo", run: checkPingPongEcho},
	{name: "invalid-message", run: checkInvalidMessage},
	{name: "auth-reject", run: checkAuthReject},
}

func checkHandshakeAccept(ctx context.Context, h *harness) (string, error) {
	ack, err := h.open(ctx)
	if err != nil {
		return "", err
	}
	if !ack.Accepted {
		return "", fmt.Errorf("handshake rejected: %s", ack.Reason)
	}
	if ack.SessionID == "" {
		return "", fmt.Errorf("accepted handshake is missing session_id")
	}
	return "session " + ack.SessionID, nil
}

func checkVersionMismatch(ctx context.Context, h *harness) (string, error) {
	env, err := usp.NewEnvelope(usp.TypePing, usp.Timestamp{}, usp.Ping{})
	if err != nil {
		return "", err
	}
	env.Version = "99.0.0"

	decoded, err := h.sendRaw(ctx, env)
	if cerr := expectError(decoded, err, usp.CodeVersionMismatch); cerr != nil {
		return "", cerr
	}
	return "major 99 refused", nil
}

func checkCapabilityIntersection(ctx context.Context, h *harness) (string, error) {
	requested := []string{usp.CapPull, usp.CapStreaming}
	ack, err := h.open(ctx, requested...)
	if err != nil {
		return "", err
	}
	if !ack.Accepted {
		return "", fmt.Errorf("handshake rejected: %s", ack.Reason)
	}
	for _, granted := range ack.Capabilities {
		if !usp.HasCapability(requested, granted) {
			return "", fmt.Errorf("peer granted capability %q that was never requested", granted)
		}
	}
	return "granted " + strings.Join(ack.Capabilities, ","), nil
}

func checkPushAckPartition(ctx context.Context, h *harness) (string, error) {
	if _, err := h.open(ctx); err != nil {
		return "", err
	}

	good, err := h.record("partition")
	if err != nil {
		return "", err
	}
	malformed := good
	malformed.ID = good.ID + "-bad"
	malformed.Operation = "upsert"

	decoded, err := h.send(ctx, usp.TypePush, usp.Push{
		SessionID: h.sessionID,
		Records:   []usp.ChangeRecord{good, malformed},
	})
	if err != nil {
		return "", err
	}
	ack, ok := decoded.(usp.PushAck)
	if !ok {
		return "", fmt.Errorf("expected push-ack, got %T", decoded)
	}

	seen := make(map[string]int)
	for _, id := range ack.Accepted {
		seen[id]++
	}
	for _, rej := range ack.Rejected {
		seen[rej.RecordID]++
	}
	for _, id := range []string{good.ID, malformed.ID} {
		if seen[id] != 1 {
			return "", fmt.Errorf("record %s appears in %d partitions, want exactly 1", id, seen[id])
		}
	}
	if len(ack.Accepted) != 1 || ack.Accepted[0] != good.ID {
		return "", fmt.Errorf("valid record must be accepted, got accepted=%v", ack.Accepted)
	}
	return "2 records, 1 accepted, 1 rejected", nil
}

func checkPullPagination(ctx context.Context, h *harness) (string, error) {
	const total, limit = 120, 50

	if _, err := h.open(ctx); err != nil {
		return "", err
	}
	start, err := h.tail(ctx)
	if err != nil {
		return "", err
	}

	pushed := make(map[string]bool, total)
	for i := 0; i < total; i += limit {
		batch := make([]usp.ChangeRecord, 0, limit)
		for j := 0; j < limit && i+j < total; j++ {
			rec, err := h.record(fmt.Sprintf("page-%d", i+j))
			if err != nil {
				return "", err
			}
			batch = append(batch, rec)
			pushed[rec.ID] = true
		}
		if _, err := h.send(ctx, usp.TypePush, usp.Push{SessionID: h.sessionID, Records: batch}); err != nil {
			return "", err
		}
	}

	checkpoint, pages, got := start, 0, 0
	for {
		decoded, err := h.send(ctx, usp.TypePull, usp.Pull{
			SessionID:  h.sessionID,
			Checkpoint: checkpoint,
			Limit:      limit,
		})
		if err != nil {
			return "", err
		}
		resp, ok := decoded.(usp.PullResponse)
		if !ok {
			return "", fmt.Errorf("expected pull-response, got %T", decoded)
		}
		if len(resp.Records) > limit {
			return "", fmt.Errorf("page of %d records exceeds limit %d", len(resp.Records), limit)
		}
		pages++
		for _, rec := range resp.Records {
			if pushed[rec.ID] {
				got++
			}
		}
		if resp.Checkpoint == checkpoint && resp.HasMore {
			return "", fmt.Errorf("checkpoint did not advance on a has_more page")
		}
		if resp.Checkpoint != "" {
			checkpoint = resp.Checkpoint
		}
		if !resp.HasMore {
			break
		}
	}
	if got != total {
		return "", fmt.Errorf("pulled %d of %d pushed records", got, total)
	}
	return fmt.Sprintf("%d records over %d pages", total, pages), nil
}

func checkIdempotentRetry(ctx context.Context, h *harness) (string, error) {
	if _, err := h.open(ctx); err != nil {
		return "", err
	}
	start, err := h.tail(ctx)
	if err != nil {
		return "", err
	}

	rec, err := h.record("retry")
	if err != nil {
		return "", err
	}
	// Один и тот же батч дважды, как после потерянного ack
	for attempt := 1; attempt <= 2; attempt++ {
		decoded, err := h.send(ctx, usp.TypePush, usp.Push{
			SessionID: h.sessionID,
			Records:   []usp.ChangeRecord{rec},
		})
		if err != nil {
			return "", err
		}
		ack, ok := decoded.(usp.PushAck)
		if !ok {
			return "", fmt.Errorf("expected push-ack, got %T", decoded)
		}
		if len(ack.Rejected) != 0 {
			return "", fmt.Errorf("retry attempt %d rejected: %+v", attempt, ack.Rejected)
		}
	}

	count, checkpoint := 0, start
	for {
		decoded, err := h.send(ctx, usp.TypePull, usp.Pull{
			SessionID:  h.sessionID,
			Checkpoint: checkpoint,
			Limit:      500,
		})
		if err != nil {
			return "", err
		}
		resp, ok := decoded.(usp.PullResponse)
		if !ok {
			return "", fmt.Errorf("expected pull-response, got %T", decoded)
		}
		for _, got := range resp.Records {
			if got.ID == rec.ID {
				count++
			}
		}
		if resp.Checkpoint != "" {
			checkpoint = resp.Checkpoint
		}
		if !resp.HasMore {
			break
		}
	}
	if count != 1 {
		return "", fmt.Errorf("record appears %d times in the log after a retried push, want 1", count)
	}
	return "retried push applied once", nil
}

func checkCheckpointResume(ctx context.Context, h *harness) (string, error) {
	if _, err := h.open(ctx); err != nil {
		return "", err
	}
	token, err := h.tail(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		// Пустой лог: создаем позицию, чтобы было что фиксировать
		rec, err := h.record("resume")
		if err != nil {
			return "", err
		}
		if _, err := h.send(ctx, usp.TypePush, usp.Push{SessionID: h.sessionID, Records: []usp.ChangeRecord{rec}}); err != nil {
			return "", err
		}
		if token, err = h.tail(ctx); err != nil {
			return "", err
		}
	}

	decoded, err := h.send(ctx, usp.TypeCheckpoint, usp.CheckpointExchange{
		SessionID:  h.sessionID,
		Checkpoint: token,
	})
	if err != nil {
		return "", err
	}
	ack, ok := decoded.(usp.CheckpointAck)
	if !ok {
		return "", fmt.Errorf("expected checkpoint-ack, got %T", decoded)
	}
	if ack.Checkpoint != token {
		return "", fmt.Errorf("checkpoint-ack echoes %q, want %q", ack.Checkpoint, token)
	}

	hsAck, err := h.open(ctx)
	if err != nil {
		return "", err
	}
	if hsAck.Checkpoint != token {
		return "", fmt.Errorf("new session resumes from %q, want committed %q", hsAck.Checkpoint, token)
	}
	return "committed position survives re-handshake", nil
}

func checkPingPongEcho(ctx context.Context, h *harness) (string, error) {
	env, err := usp.NewEnvelope(usp.TypePing, usp.Timestamp{WallMs: 123456, Logical: 7}, usp.Ping{})
	if err != nil {
		return "", err
	}

	decoded, err := h.sendRaw(ctx, env)
	if err != nil {
		return "", err
	}
	pong, ok := decoded.(usp.Pong)
	if !ok {
		return "", fmt.Errorf("expected pong, got %T", decoded)
	}
	if pong.PingTimestamp != env.Timestamp {
		return "", fmt.Errorf("pong echoes %+v, want %+v", pong.PingTimestamp, env.Timestamp)
	}
	return "ping timestamp echoed", nil
}

func checkInvalidMessage(ctx context.Context, h *harness) (string, error) {
	if _, err := h.open(ctx); err != nil {
		return "", err
	}

	// Запись без identity не проходит валидацию payload-а
	decoded, err := h.send(ctx, usp.TypePush, usp.Push{
		SessionID: h.sessionID,
		Records:   []usp.ChangeRecord{{}},
	})
	if cerr := expectError(decoded, err, usp.CodeInvalidMessage); cerr != nil {
		return "", cerr
	}
	if payload, ok := decoded.(usp.ErrorPayload); ok && payload.Retryable {
		return "", fmt.Errorf("INVALID_MESSAGE must not be marked retryable")
	}
	return "malformed payload refused", nil
}

func checkAuthReject(ctx context.Context, h *harness) (string, error) {
	decoded, err := h.send(ctx, usp.TypeHandshake, usp.Handshake{
		NodeID:       h.cfg.NodeID,
		AuthToken:    "corrupted-" + h.cfg.AuthToken,
		Collections:  h.cfg.Collections,
		Capabilities: []string{usp.CapPush, usp.CapPull},
	})
	if err != nil {
		return "", err
	}
	ack, ok := decoded.(usp.HandshakeAck)
	if !ok {
		return "", fmt.Errorf("expected handshake-ack, got %T", decoded)
	}
	if ack.Accepted {
		// Пир без настроенной аутентификации: не провал протокола
		return "peer does not enforce authentication", nil
	}
	return "bad token rejected: " + ack.Reason, nil
}
