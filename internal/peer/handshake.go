package peer

import (
	"context"

	"github.com/iudanet/usp/internal/validation"
	"github.com/iudanet/usp/pkg/usp"
)

// handleHandshake проверяет инициатора и открывает сессию.
// Отказ кодируется handshake-ack с accepted=false и причиной -
// это штатный ответ протокола, а не ошибка транспорта.
func (r *Responder) handleHandshake(ctx context.Context, p usp.Handshake) (*usp.Envelope, error) {
	if err := validation.ValidateNodeID(p.NodeID); err != nil {
		return r.errorCode(usp.CodeInvalidMessage, "invalid node id: "+err.Error())
	}
	for _, c := range p.Collections {
		if err := validation.ValidateCollection(c); err != nil {
			return r.errorCode(usp.CodeInvalidMessage, "invalid collection: "+err.Error())
		}
	}

	if r.cfg.RateLimit != nil && !r.cfg.RateLimit.Allow(p.NodeID) {
		return r.errorCode(usp.CodeRateLimited, "handshake rate limit exceeded for "+p.NodeID)
	}

	if r.cfg.Auth != nil {
		nodeID, err := r.cfg.Auth.Verify(p.AuthToken)
		if err != nil || nodeID != p.NodeID {
			if r.logger != nil {
				r.logger.Warn("Handshake rejected", "node_id", p.NodeID, "error", err)
			}
			return r.reply(usp.TypeHandshakeAck, usp.HandshakeAck{
				Accepted: false,
				Reason:   "authentication failed",
			})
		}
	}

	shared := usp.IntersectCapabilities(r.cfg.Capabilities, p.Capabilities)
	if len(shared) == 0 {
		return r.reply(usp.TypeHandshakeAck, usp.HandshakeAck{
			Accepted: false,
			Reason:   "no shared capabilities",
		})
	}

	sess := r.register(p.NodeID, shared)

	// Возобновление: отдаем последнюю подтвержденную позицию пира
	// в нашем логе, с нее продолжится pull
	checkpoint, err := r.store.Checkpoint(ctx, p.NodeID)
	if err != nil {
		return r.errorCode(usp.CodeInternalError, "failed to load checkpoint: "+err.Error())
	}

	if r.logger != nil {
		r.logger.Info("Session opened",
			"node_id", p.NodeID,
			"session_id", sess.id,
			"capabilities", shared,
		)
	}

	return r.reply(usp.TypeHandshakeAck, usp.HandshakeAck{
		Accepted:     true,
		SessionID:    sess.id,
		Capabilities: shared,
		Checkpoint:   checkpoint,
	})
}
