package peer

import (
	"bytes"
	"context"
	"sort"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/models"
	"github.com/iudanet/usp/pkg/usp"
)

// handlePush применяет батч записей инициатора. Каждая запись попадает
// ровно в одну из частей ответа: accepted или rejected.
func (r *Responder) handlePush(ctx context.Context, p usp.Push) (*usp.Envelope, error) {
	sess, ok := r.session(p.SessionID)
	if !ok {
		return r.errorCode(usp.CodeSessionExpired, "unknown session "+p.SessionID)
	}
	if !usp.HasCapability(sess.capabilities, usp.CapPush) {
		return r.errorCode(usp.CodeUnsupported, "session has no push capability")
	}
	if r.cfg.RateLimit != nil && !r.cfg.RateLimit.Allow(sess.nodeID) {
		return r.errorCode(usp.CodeRateLimited, "push rate limit exceeded for "+sess.nodeID)
	}
	if len(p.Records) > r.cfg.MaxBatch {
		return r.errorCode(usp.CodeQuotaExceeded, "push batch exceeds limit")
	}

	// Позиция пира до push: checkpoint в ack продвигается только если
	// пир уже видел весь наш лог, иначе pull должен добрать чужие записи
	before, err := r.store.LastSeq(ctx)
	if err != nil {
		return r.errorCode(usp.CodeInternalError, "failed to read log position: "+err.Error())
	}
	stored, err := r.store.Checkpoint(ctx, sess.nodeID)
	if err != nil {
		return r.errorCode(usp.CodeInternalError, "failed to load checkpoint: "+err.Error())
	}
	storedCP, err := usp.ParseCheckpoint(stored)
	if err != nil {
		return r.errorReply(err)
	}

	ack := usp.PushAck{Accepted: make([]string, 0, len(p.Records))}

	for _, wireRec := range p.Records {
		rec, err := models.ChangeFromWire(wireRec)
		if err != nil {
			ack.Rejected = append(ack.Rejected, usp.PushReject{
				RecordID: wireRec.ID,
				Reason:   string(models.RejectDenied),
				Code:     usp.CodeInvalidMessage,
			})
			continue
		}
		if !r.servesCollection(rec.Collection) {
			ack.Rejected = append(ack.Rejected, usp.PushReject{
				RecordID: rec.ID,
				Reason:   string(models.RejectDenied),
				Code:     usp.CodeCollectionNotFound,
			})
			continue
		}

		if remote, conflicted := r.detectConflict(rec); conflicted {
			ack.Rejected = append(ack.Rejected, usp.PushReject{
				RecordID: rec.ID,
				Reason:   string(models.RejectConflict),
				Code:     usp.CodeConflict,
				Remote:   remote.Wire(),
			})
			continue
		}

		if _, err := r.docs.ApplyRemote(rec); err != nil {
			ack.Rejected = append(ack.Rejected, usp.PushReject{
				RecordID: rec.ID,
				Reason:   string(models.RejectDenied),
				Code:     usp.CodeInternalError,
			})
			continue
		}
		if _, err := r.store.Append(ctx, rec); err != nil {
			return r.errorCode(usp.CodeInternalError, "failed to append record: "+err.Error())
		}
		ack.Accepted = append(ack.Accepted, rec.ID)
	}

	if storedCP.Seq >= before {
		after, err := r.store.LastSeq(ctx)
		if err != nil {
			return r.errorCode(usp.CodeInternalError, "failed to read log position: "+err.Error())
		}
		token := usp.Checkpoint{Seq: after, NodeID: r.docs.Clock().NodeID()}.String()
		if err := r.store.SaveCheckpoint(ctx, sess.nodeID, token); err != nil {
			return r.errorCode(usp.CodeInternalError, "failed to save checkpoint: "+err.Error())
		}
		ack.Checkpoint = token
	} else {
		ack.Checkpoint = stored
	}

	if r.logger != nil {
		r.logger.Info("Push applied",
			"node_id", sess.nodeID,
			"accepted", len(ack.Accepted),
			"rejected", len(ack.Rejected),
		)
	}

	return r.reply(usp.TypePushAck, ack)
}

// detectConflict решает, мержится ли запись автоматически.
// Конфликт - причинно конкурентная запись, которая сталкивается
// с текущим состоянием: delete против живого документа или
// замена поля другим значением. Конкурентные записи в разные поля
// мержатся без конфликта.
func (r *Responder) detectConflict(rec *models.ChangeRecord) (*models.DocumentState, bool) {
	state, ok := r.docs.Get(rec.Collection, rec.DocumentID)
	if !ok {
		return nil, false
	}
	if clock.Compare(rec.Stamp.Vector, state.Meta.Revision) != clock.Concurrent {
		return nil, false
	}

	if rec.Operation == models.OpDelete {
		return state, !state.Meta.Deleted
	}

	for _, f := range rec.Fields {
		current, exists := state.Fields[f.Field]
		if f.Remove {
			if exists {
				return state, true
			}
			continue
		}
		if exists && !bytes.Equal(current, f.Value) {
			return state, true
		}
	}
	return nil, false
}

// handlePull отдает страницу записей нашего лога после checkpoint-а
func (r *Responder) handlePull(ctx context.Context, p usp.Pull) (*usp.Envelope, error) {
	sess, ok := r.session(p.SessionID)
	if !ok {
		return r.errorCode(usp.CodeSessionExpired, "unknown session "+p.SessionID)
	}
	if !usp.HasCapability(sess.capabilities, usp.CapPull) {
		return r.errorCode(usp.CodeUnsupported, "session has no pull capability")
	}

	cp, err := usp.ParseCheckpoint(p.Checkpoint)
	if err != nil {
		return r.errorReply(err)
	}
	nodeID := r.docs.Clock().NodeID()
	if !cp.IsZero() && cp.NodeID != nodeID {
		return r.errorCode(usp.CodeInvalidMessage, "checkpoint belongs to a different log")
	}

	limit := p.Limit
	if limit <= 0 || limit > r.cfg.MaxBatch {
		limit = r.cfg.MaxBatch
	}

	records, hasMore, err := r.store.Since(ctx, cp.Seq, p.Collections, limit)
	if err != nil {
		return r.errorCode(usp.CodeInternalError, "failed to read change log: "+err.Error())
	}

	resp := usp.PullResponse{
		Records:    make([]usp.ChangeRecord, 0, len(records)),
		HasMore:    hasMore,
		Checkpoint: p.Checkpoint,
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, rec.Wire())
	}
	if len(records) > 0 {
		resp.Checkpoint = usp.Checkpoint{
			Seq:    records[len(records)-1].Seq,
			NodeID: nodeID,
		}.String()
	}

	return r.reply(usp.TypePullResponse, resp)
}

// handleCheckpoint фиксирует подтвержденную позицию инициатора
func (r *Responder) handleCheckpoint(ctx context.Context, p usp.CheckpointExchange) (*usp.Envelope, error) {
	sess, ok := r.session(p.SessionID)
	if !ok {
		return r.errorCode(usp.CodeSessionExpired, "unknown session "+p.SessionID)
	}

	cp, err := usp.ParseCheckpoint(p.Checkpoint)
	if err != nil {
		return r.errorReply(err)
	}
	if !cp.IsZero() && cp.NodeID != r.docs.Clock().NodeID() {
		return r.errorCode(usp.CodeInvalidMessage, "checkpoint belongs to a different log")
	}

	if err := r.store.SaveCheckpoint(ctx, sess.nodeID, p.Checkpoint); err != nil {
		return r.errorCode(usp.CodeInternalError, "failed to save checkpoint: "+err.Error())
	}

	return r.reply(usp.TypeCheckpointAck, usp.CheckpointAck{Checkpoint: p.Checkpoint})
}

// handleResolution применяет разрешенный конфликт как новое локальное
// изменение: результат получает собственную причинную метку и
// реплицируется дальше обычным путем.
func (r *Responder) handleResolution(ctx context.Context, p usp.ConflictResolution) (*usp.Envelope, error) {
	if _, ok := r.session(p.SessionID); !ok && p.SessionID != "" {
		return r.errorCode(usp.CodeSessionExpired, "unknown session "+p.SessionID)
	}
	if !r.servesCollection(p.Collection) {
		return r.errorCode(usp.CodeCollectionNotFound, "collection is not served: "+p.Collection)
	}

	resolved := models.DocumentFromWire(p.Resolved)

	fields := make([]models.FieldOp, 0, len(resolved.Fields))
	keys := make([]string, 0, len(resolved.Fields))
	for k := range resolved.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, models.FieldOp{Field: k, Value: resolved.Fields[k]})
	}

	// Поля, исчезнувшие из разрешенного документа, убираются явно
	if current, ok := r.docs.Get(p.Collection, p.DocumentID); ok {
		for field := range current.Fields {
			if _, kept := resolved.Fields[field]; !kept {
				fields = append(fields, models.FieldOp{Field: field, Remove: true})
			}
		}
	}

	rec, err := r.docs.ApplyLocal(p.Collection, p.DocumentID, models.OpUpdate, fields)
	if err != nil {
		return r.errorCode(usp.CodeInternalError, "failed to apply resolution: "+err.Error())
	}
	seq, err := r.store.Append(ctx, rec)
	if err != nil {
		return r.errorCode(usp.CodeInternalError, "failed to append resolution: "+err.Error())
	}

	if r.logger != nil {
		r.logger.Info("Conflict resolution applied",
			"collection", p.Collection,
			"document_id", p.DocumentID,
			"winner", p.Winner,
		)
	}

	return r.reply(usp.TypeCheckpointAck, usp.CheckpointAck{
		Checkpoint: usp.Checkpoint{Seq: seq, NodeID: r.docs.Clock().NodeID()}.String(),
	})
}
