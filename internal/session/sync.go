package session

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/models"
	"github.com/iudanet/usp/pkg/usp"
)

// exchange отправляет конверт и разворачивает типизированный payload
// ответа. Error конверт возвращается как *usp.WireError.
func (s *Session) exchange(ctx context.Context, typ usp.MessageType, payload any) (any, error) {
	if err := s.checkAlive(ctx); err != nil {
		return nil, err
	}

	current := s.docs.Clock().Current()
	env, err := usp.NewEnvelope(typ, usp.Timestamp{
		WallMs:  current.Time.WallMs,
		Logical: current.Time.Logical,
	}, payload)
	if err != nil {
		return nil, err
	}

	reqCtx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	reply, err := s.conn.Exchange(reqCtx, env)
	if err != nil {
		return nil, fmt.Errorf("%s exchange failed: %w", typ, err)
	}

	decoded, err := reply.DecodePayload()
	if err != nil {
		return nil, err
	}
	if errPayload, ok := decoded.(usp.ErrorPayload); ok {
		return nil, errPayload.Err()
	}
	return decoded, nil
}

// handshake открывает сессию и восстанавливает checkpoint
func (s *Session) handshake(ctx context.Context) error {
	s.states.Publish(StateHandshaking)

	decoded, err := s.exchange(ctx, usp.TypeHandshake, usp.Handshake{
		NodeID:       s.docs.Clock().NodeID(),
		AuthToken:    s.cfg.AuthToken,
		Collections:  s.cfg.Collections,
		Capabilities: s.cfg.Capabilities,
	})
	if err != nil {
		return err
	}

	ack, ok := decoded.(usp.HandshakeAck)
	if !ok {
		return &usp.WireError{Code: usp.CodeInvalidMessage, Message: fmt.Sprintf("unexpected handshake reply %T", decoded)}
	}
	if !ack.Accepted {
		// Отказ в handshake терминален: те же креденшалы дадут тот же отказ
		return &usp.WireError{Code: usp.CodeAuthFailed, Message: "handshake rejected: " + ack.Reason}
	}

	s.sessionID = ack.SessionID
	s.capabilities = ack.Capabilities

	// Позиция возобновления: свежее из локально сохраненной и
	// подтвержденной пиром
	s.checkpoint = ack.Checkpoint
	if stored, err := s.store.Checkpoint(ctx, s.cfg.PeerID); err == nil && stored != "" {
		if newer, err := newerCheckpoint(stored, ack.Checkpoint); err == nil {
			s.checkpoint = newer
		}
	}

	s.logger.Info("Session established",
		"session_id", s.sessionID,
		"capabilities", s.capabilities,
		"checkpoint", s.checkpoint,
	)
	s.events.Publish(Event{Name: EventPeerJoined, Time: time.Now()})
	return nil
}

// newerCheckpoint выбирает более позднюю из двух позиций одного лога
func newerCheckpoint(a, b string) (string, error) {
	cpA, err := usp.ParseCheckpoint(a)
	if err != nil {
		return "", err
	}
	cpB, err := usp.ParseCheckpoint(b)
	if err != nil {
		return "", err
	}
	cmp, err := cpA.Compare(cpB)
	if err != nil {
		return "", err
	}
	if cmp >= 0 {
		return a, nil
	}
	return b, nil
}

// syncOnce выполняет один полный цикл: push очереди, pull страниц,
// фиксация checkpoint-а.
func (s *Session) syncOnce(ctx context.Context) (*Stats, error) {
	s.states.Publish(StateSyncing)
	s.events.Publish(Event{Name: EventSyncStart, Time: time.Now()})

	stats := &Stats{}

	if usp.HasCapability(s.capabilities, usp.CapPush) {
		if err := s.pushPending(ctx, stats); err != nil {
			return nil, err
		}
	}
	if usp.HasCapability(s.capabilities, usp.CapPull) {
		if err := s.pullChanges(ctx, stats); err != nil {
			return nil, err
		}
	}
	if err := s.commitCheckpoint(ctx); err != nil {
		return nil, err
	}

	return stats, nil
}

// pushPending выталкивает очередь неотправленных изменений батчами.
// Батч покидает очередь только после ack: упавший push повторится
// с теми же записями, идемпотентность обеспечивает приемник.
func (s *Session) pushPending(ctx context.Context, stats *Stats) error {
	for {
		pending, err := s.store.Pending(ctx, s.cfg.MaxBatch)
		if err != nil {
			return fmt.Errorf("failed to read pending queue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		records := make([]usp.ChangeRecord, 0, len(pending))
		for _, rec := range pending {
			records = append(records, rec.Wire())
		}

		decoded, err := s.exchange(ctx, usp.TypePush, usp.Push{
			SessionID: s.sessionID,
			Records:   records,
		})
		if err != nil {
			return err
		}
		ack, ok := decoded.(usp.PushAck)
		if !ok {
			return &usp.WireError{Code: usp.CodeInvalidMessage, Message: fmt.Sprintf("unexpected push reply %T", decoded)}
		}

		if err := s.store.Ack(ctx, ack.Accepted); err != nil {
			return fmt.Errorf("failed to ack pushed records: %w", err)
		}
		stats.Pushed += len(ack.Accepted)

		dequeued, err := s.handleRejects(ctx, pending, ack.Rejected, stats)
		if err != nil {
			return err
		}

		if ack.Checkpoint != "" {
			s.checkpoint = ack.Checkpoint
			if err := s.store.SaveCheckpoint(ctx, s.cfg.PeerID, ack.Checkpoint); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
		}

		// Неразрешенные конфликты остаются в очереди; если цикл ничего
		// не снял, следующая итерация прочитает тот же батч
		if len(ack.Accepted)+dequeued == 0 {
			return nil
		}
		if len(pending) < s.cfg.MaxBatch {
			return nil
		}
	}
}

// handleRejects разбирает отклоненные записи push-а: конфликты идут
// в резолвер, отказы политики логируются и снимаются с очереди.
// Возвращает число записей, покинувших очередь.
func (s *Session) handleRejects(ctx context.Context, pushed []*models.ChangeRecord, rejected []usp.PushReject, stats *Stats) (int, error) {
	byID := make(map[string]*models.ChangeRecord, len(pushed))
	for _, rec := range pushed {
		byID[rec.ID] = rec
	}

	dequeued := 0
	for _, rej := range rejected {
		rec, known := byID[rej.RecordID]
		if !known {
			continue
		}

		if rej.Reason != string(models.RejectConflict) {
			s.logger.Warn("Record denied by peer",
				"record_id", rej.RecordID,
				"code", rej.Code,
			)
			if err := s.store.Ack(ctx, []string{rej.RecordID}); err != nil {
				return dequeued, fmt.Errorf("failed to drop denied record: %w", err)
			}
			dequeued++
			continue
		}

		if err := s.resolveConflict(ctx, rec, rej, stats); err != nil {
			// Неразрешенный конфликт остается в очереди и повторится
			// на следующем цикле
			s.logger.Warn("Conflict left unresolved",
				"record_id", rej.RecordID,
				"error", err,
			)
			continue
		}
		if err := s.store.Ack(ctx, []string{rej.RecordID}); err != nil {
			return dequeued, fmt.Errorf("failed to dequeue resolved record: %w", err)
		}
		dequeued++
		stats.Conflicts++
	}
	return dequeued, nil
}

// resolveConflict прогоняет конфликт через резолвер и отправляет
// результат пиру.
func (s *Session) resolveConflict(ctx context.Context, rec *models.ChangeRecord, rej usp.PushReject, stats *Stats) error {
	local, ok := s.docs.Get(rec.Collection, rec.DocumentID)
	if !ok {
		return fmt.Errorf("conflicting document %s/%s is missing locally", rec.Collection, rec.DocumentID)
	}

	resolution, err := s.resolver.Evaluate(models.Conflict{
		Collection: rec.Collection,
		DocumentID: rec.DocumentID,
		Local:      local,
		Remote:     models.DocumentFromWire(rej.Remote),
	})
	if err != nil {
		return err
	}

	decoded, err := s.exchange(ctx, usp.TypeConflictResolution, usp.ConflictResolution{
		SessionID:  s.sessionID,
		Collection: rec.Collection,
		DocumentID: rec.DocumentID,
		Resolved:   resolution.Doc.Wire(),
		Winner:     string(resolution.Winner),
	})
	if err != nil {
		return err
	}
	if _, ok := decoded.(usp.CheckpointAck); !ok {
		return &usp.WireError{Code: usp.CodeInvalidMessage, Message: fmt.Sprintf("unexpected resolution reply %T", decoded)}
	}
	return nil
}

// pullChanges забирает страницы чужих изменений до конца лога
func (s *Session) pullChanges(ctx context.Context, stats *Stats) error {
	for {
		decoded, err := s.exchange(ctx, usp.TypePull, usp.Pull{
			SessionID:   s.sessionID,
			Checkpoint:  s.checkpoint,
			Collections: s.cfg.Collections,
			Limit:       s.cfg.MaxBatch,
		})
		if err != nil {
			return err
		}
		resp, ok := decoded.(usp.PullResponse)
		if !ok {
			return &usp.WireError{Code: usp.CodeInvalidMessage, Message: fmt.Sprintf("unexpected pull reply %T", decoded)}
		}

		for _, wireRec := range resp.Records {
			rec, err := models.ChangeFromWire(wireRec)
			if err != nil {
				s.logger.Warn("Skipping malformed pulled record", "record_id", wireRec.ID, "error", err)
				continue
			}
			// Собственные записи возвращаются эхом после push - merge
			// идемпотентен и просто не применит их повторно
			applied, err := s.docs.ApplyRemote(rec)
			if err != nil {
				return fmt.Errorf("failed to apply pulled record %s: %w", rec.ID, err)
			}
			// Лог пополняется и чужими записями: их заберут пиры,
			// для которых этот узел - источник
			if _, err := s.store.Append(ctx, rec); err != nil {
				return fmt.Errorf("failed to log pulled record %s: %w", rec.ID, err)
			}
			if applied {
				stats.Pulled++
			}
		}

		if resp.Checkpoint != "" {
			s.checkpoint = resp.Checkpoint
			if err := s.store.SaveCheckpoint(ctx, s.cfg.PeerID, resp.Checkpoint); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
		}

		if !resp.HasMore {
			return nil
		}
	}
}

// commitCheckpoint явно фиксирует позицию на пире
func (s *Session) commitCheckpoint(ctx context.Context) error {
	if s.checkpoint == "" {
		return nil
	}

	decoded, err := s.exchange(ctx, usp.TypeCheckpoint, usp.CheckpointExchange{
		SessionID:  s.sessionID,
		Checkpoint: s.checkpoint,
	})
	if err != nil {
		return err
	}
	if _, ok := decoded.(usp.CheckpointAck); !ok {
		return &usp.WireError{Code: usp.CodeInvalidMessage, Message: fmt.Sprintf("unexpected checkpoint reply %T", decoded)}
	}
	return nil
}

// keepalive шлет ping и вливает часы пира в локальный HLC
func (s *Session) keepalive(ctx context.Context) error {
	decoded, err := s.exchange(ctx, usp.TypePing, usp.Ping{})
	if err != nil {
		return err
	}
	pong, ok := decoded.(usp.Pong)
	if !ok {
		return &usp.WireError{Code: usp.CodeInvalidMessage, Message: fmt.Sprintf("unexpected ping reply %T", decoded)}
	}

	s.docs.Clock().Observe(clock.Stamp{
		Time:   clock.HLC{WallMs: pong.Clock.WallMs, Logical: pong.Clock.Logical},
		NodeID: s.cfg.PeerID,
	})
	return nil
}
