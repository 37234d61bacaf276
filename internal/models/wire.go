package models

import (
	"fmt"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/pkg/usp"
)

// Конвертации между доменными типами и wire-формами протокола.
// Wire-типы плоские и без зависимостей от internal пакетов, поэтому
// маппинг живет на доменной стороне.

func hlcToWire(t clock.HLC) usp.Timestamp {
	return usp.Timestamp{WallMs: t.WallMs, Logical: t.Logical}
}

func hlcFromWire(t usp.Timestamp) clock.HLC {
	return clock.HLC{WallMs: t.WallMs, Logical: t.Logical}
}

// Wire конвертирует запись в wire-форму
func (r *ChangeRecord) Wire() usp.ChangeRecord {
	out := usp.ChangeRecord{
		ID:          r.ID,
		Collection:  r.Collection,
		DocumentID:  r.DocumentID,
		Operation:   string(r.Operation),
		NodeID:      r.Stamp.NodeID,
		VectorClock: r.Stamp.Vector.Clone(),
		Timestamp:   hlcToWire(r.Stamp.Time),
		Seq:         r.Seq,
	}
	if len(r.Fields) > 0 {
		out.Fields = make([]usp.FieldOp, len(r.Fields))
		for i, f := range r.Fields {
			out.Fields[i] = usp.FieldOp{Field: f.Field, Value: f.Value, Remove: f.Remove}
		}
	}
	return out
}

// ChangeFromWire конвертирует wire-запись в доменную форму
func ChangeFromWire(w usp.ChangeRecord) (*ChangeRecord, error) {
	op := Operation(w.Operation)
	if !op.Valid() {
		return nil, fmt.Errorf("record %s: unknown operation %q", w.ID, w.Operation)
	}
	rec := &ChangeRecord{
		ID:         w.ID,
		Collection: w.Collection,
		DocumentID: w.DocumentID,
		Operation:  op,
		Stamp: clock.Stamp{
			Vector: clock.VectorClock(w.VectorClock).Clone(),
			NodeID: w.NodeID,
			Time:   hlcFromWire(w.Timestamp),
		},
		Seq: w.Seq,
	}
	if len(w.Fields) > 0 {
		rec.Fields = make([]FieldOp, len(w.Fields))
		for i, f := range w.Fields {
			rec.Fields[i] = FieldOp{Field: f.Field, Value: f.Value, Remove: f.Remove}
		}
	}
	return rec, nil
}

// Wire конвертирует снимок документа в wire-форму
func (s *DocumentState) Wire() *usp.Document {
	if s == nil {
		return nil
	}
	return &usp.Document{
		Fields:     s.Fields,
		Revision:   s.Meta.Revision.Clone(),
		ID:         s.Meta.ID,
		Collection: s.Meta.Collection,
		UpdatedBy:  s.Meta.UpdatedBy,
		DeletedBy:  s.Meta.DeletedBy,
		UpdatedAt:  hlcToWire(s.Meta.UpdatedAt),
		DeletedAt:  hlcToWire(s.Meta.DeletedAt),
		Deleted:    s.Meta.Deleted,
	}
}

// DocumentFromWire конвертирует wire-снимок в доменную форму
func DocumentFromWire(d *usp.Document) *DocumentState {
	if d == nil {
		return nil
	}
	return &DocumentState{
		Fields: d.Fields,
		Meta: DocumentMeta{
			Revision:   clock.VectorClock(d.Revision).Clone(),
			ID:         d.ID,
			Collection: d.Collection,
			UpdatedBy:  d.UpdatedBy,
			DeletedBy:  d.DeletedBy,
			UpdatedAt:  hlcFromWire(d.UpdatedAt),
			DeletedAt:  hlcFromWire(d.DeletedAt),
			Deleted:    d.Deleted,
		},
	}
}

// Wire конвертирует конфликт в wire-уведомление
func (c Conflict) Wire() usp.ConflictNotice {
	return usp.ConflictNotice{
		Collection: c.Collection,
		DocumentID: c.DocumentID,
		Local:      c.Local.Wire(),
		Remote:     c.Remote.Wire(),
		Base:       c.Base.Wire(),
	}
}

// ConflictFromWire конвертирует wire-уведомление в доменную форму.
// Стороны меняются местами: remote отправителя - это local получателя.
func ConflictFromWire(n usp.ConflictNotice, swapSides bool) Conflict {
	local, remote := DocumentFromWire(n.Local), DocumentFromWire(n.Remote)
	if swapSides {
		local, remote = remote, local
	}
	return Conflict{
		Collection: n.Collection,
		DocumentID: n.DocumentID,
		Local:      local,
		Remote:     remote,
		Base:       DocumentFromWire(n.Base),
	}
}

// Wire конвертирует отклоненную запись в wire-форму
func (p PushReject) Wire() usp.PushReject {
	return usp.PushReject{
		RecordID: p.RecordID,
		Reason:   string(p.Reason),
		Code:     usp.ErrorCode(p.Code),
		Remote:   p.Remote.Wire(),
	}
}

// RejectFromWire конвертирует wire-отказ в доменную форму
func RejectFromWire(w usp.PushReject) PushReject {
	return PushReject{
		RecordID: w.RecordID,
		Reason:   RejectReason(w.Reason),
		Code:     string(w.Code),
		Remote:   DocumentFromWire(w.Remote),
	}
}
