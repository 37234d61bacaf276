package models

import (
	"encoding/json"

	"github.com/iudanet/usp/internal/clock"
)

// Operation тип операции в change record
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid возвращает true для известной операции
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// FieldOp представляет изменение одного поля документа.
// Remove=true означает удаление поля (Value игнорируется).
type FieldOp struct {
	Field  string          `json:"field"`
	Value  json.RawMessage `json:"value,omitempty"`
	Remove bool            `json:"remove,omitempty"`
}

// ChangeRecord представляет единицу репликации: одно изменение
// документа с полной причинной меткой. Неизменяем после создания.
type ChangeRecord struct {
	ID         string        `json:"id"`          // ID уникальный идентификатор записи (UUID)
	Collection string        `json:"collection"`  // Collection имя коллекции документа
	DocumentID string        `json:"document_id"` // DocumentID идентификатор документа
	Operation  Operation     `json:"operation"`   // Operation insert, update или delete
	Fields     []FieldOp     `json:"fields,omitempty"`
	Stamp      clock.Stamp   `json:"stamp"` // Stamp причинная метка создавшего узла
	Seq        uint64        `json:"seq,omitempty"` // Seq порядковый номер в change log получателя
}

// Clone создает глубокую копию записи
func (r *ChangeRecord) Clone() *ChangeRecord {
	out := *r
	out.Fields = make([]FieldOp, len(r.Fields))
	for i, f := range r.Fields {
		nf := f
		nf.Value = append(json.RawMessage(nil), f.Value...)
		out.Fields[i] = nf
	}
	out.Stamp.Vector = r.Stamp.Vector.Clone()
	return &out
}
