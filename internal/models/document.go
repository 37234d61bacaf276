package models

import (
	"encoding/json"

	"github.com/iudanet/usp/internal/clock"
)

// DocumentMeta представляет convergence-relevant конверт документа:
// ревизию (merged векторные часы), tombstone и время последнего изменения.
type DocumentMeta struct {
	Revision   clock.VectorClock `json:"revision"`
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	UpdatedBy  string            `json:"updated_by,omitempty"`
	DeletedBy  string            `json:"deleted_by,omitempty"`
	UpdatedAt  clock.HLC         `json:"updated_at"`
	DeletedAt  clock.HLC         `json:"deleted_at,omitempty"`
	Deleted    bool              `json:"deleted"`
}

// DocumentState представляет снимок документа: метаданные плюс
// видимые значения полей. Используется резолвером конфликтов и wire.
type DocumentState struct {
	Fields map[string]json.RawMessage `json:"fields"`
	Meta   DocumentMeta               `json:"meta"`
}

// Clone создает глубокую копию снимка
func (s *DocumentState) Clone() *DocumentState {
	if s == nil {
		return nil
	}
	out := *s
	out.Meta.Revision = s.Meta.Revision.Clone()
	out.Fields = make(map[string]json.RawMessage, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return &out
}

// Conflict представляет дивергентное немержабельное состояние,
// обнаруженное при push/pull. Живет один цикл разрешения:
// создается, потребляется ровно одной попыткой резолвера, отбрасывается.
type Conflict struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Local      *DocumentState `json:"local"`
	Remote     *DocumentState `json:"remote"`
	Base       *DocumentState `json:"base,omitempty"`
}

// RejectReason различает причину отклонения записи в push-ack.
// Wire-форма общая, но retry-семантика разная: конфликт идет
// в резолвер, policy denial - в таксономию ошибок.
type RejectReason string

const (
	RejectConflict RejectReason = "conflict"
	RejectDenied   RejectReason = "denied"
)

// PushReject описывает одну отклоненную запись из push батча
type PushReject struct {
	RecordID string         `json:"record_id"`
	Reason   RejectReason   `json:"reason"`
	Code     string         `json:"code,omitempty"`   // Code код ошибки для Reason=denied
	Remote   *DocumentState `json:"remote,omitempty"` // Remote конфликтующий документ получателя
}
