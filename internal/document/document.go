// Package document композирует CRDT примитивы в состояние документа:
// LWW регистр на каждое поле плюс tombstone удаления. Документ производит
// и потребляет change records - единицы репликации между репликами.
package document

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/crdt"
	"github.com/iudanet/usp/internal/models"
)

// Document представляет CRDT состояние одного документа.
// Не потокобезопасен сам по себе: сериализация применений
// обеспечивается Store (один merge entry point на document id).
type Document struct {
	fields       crdt.ORMap
	revision     clock.VectorClock
	deleteVector clock.VectorClock // причинная история выигравшего delete
	id           string
	collection   string
	updatedBy    string
	deletedBy    string
	updatedAt    clock.HLC
	deletedAt    clock.HLC
	deleted      bool
}

// newDocument создает пустой документ
func newDocument(collection, id string) *Document {
	return &Document{
		id:         id,
		collection: collection,
		fields:     crdt.NewORMap(),
		revision:   clock.NewVectorClock(),
	}
}

// applyRecord вливает одну change record в состояние документа.
// Возвращает false, если запись уже содержится в причинной истории
// документа (идемпотентная повторная доставка).
func (d *Document) applyRecord(rec *models.ChangeRecord) bool {
	if d.revision.Descends(rec.Stamp.Vector) && !d.updatedAt.Before(rec.Stamp.Time) {
		// Уже видели всю историю записи - повтор без эффекта
		return false
	}

	switch rec.Operation {
	case models.OpDelete:
		d.applyDelete(rec)
	case models.OpInsert, models.OpUpdate:
		d.applyWrite(rec)
	default:
		// Валидация происходит до applyRecord; сюда попадает только
		// поврежденное состояние, и тихо продолжать нельзя
		panic(fmt.Sprintf("document: malformed change record operation %q", rec.Operation))
	}

	d.revision.Merge(rec.Stamp.Vector)
	incoming := clock.Stamp{Time: rec.Stamp.Time, NodeID: rec.Stamp.NodeID}
	if incoming.CompareLWW(clock.Stamp{Time: d.updatedAt, NodeID: d.updatedBy}) {
		d.updatedAt = rec.Stamp.Time
		d.updatedBy = rec.Stamp.NodeID
	}
	return true
}

// applyDelete сливает tombstone по LWW правилу
func (d *Document) applyDelete(rec *models.ChangeRecord) {
	incoming := clock.Stamp{Time: rec.Stamp.Time, NodeID: rec.Stamp.NodeID}
	current := clock.Stamp{Time: d.deletedAt, NodeID: d.deletedBy}

	if !d.deleted || incoming.CompareLWW(current) {
		d.deleted = true
		d.deletedAt = rec.Stamp.Time
		d.deletedBy = rec.Stamp.NodeID
		d.deleteVector = rec.Stamp.Vector.Clone()
	}
}

// applyWrite применяет field-level дельты. Поля мержатся всегда
// (метаданные конкурентного update сохраняются для аудита), но
// tombstone снимается только записью, causally следующей за delete:
// конкурентный insert не воскрешает удаленный документ.
func (d *Document) applyWrite(rec *models.ChangeRecord) {
	for _, f := range rec.Fields {
		if f.Remove {
			d.fields.Remove(f.Field, rec.Stamp.Time, rec.Stamp.NodeID)
			continue
		}
		value := append(json.RawMessage(nil), f.Value...)
		d.fields.Set(f.Field, value, rec.Stamp.Time, rec.Stamp.NodeID)
	}

	if d.deleted && clock.Compare(rec.Stamp.Vector, d.deleteVector) == clock.After {
		d.deleted = false
		d.deletedAt = clock.HLC{}
		d.deletedBy = ""
		d.deleteVector = nil
	}
}

// rawValue приводит значение регистра к json.RawMessage.
// После десериализации персистентного состояния значение может
// приехать как []byte или string.
func rawValue(v any) json.RawMessage {
	switch val := v.(type) {
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	case []byte:
		return append(json.RawMessage(nil), val...)
	case string:
		return json.RawMessage(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			panic(fmt.Sprintf("document: field value is not JSON-serializable: %v", err))
		}
		return raw
	}
}

// State возвращает снимок документа для резолвера и wire
func (d *Document) State() *models.DocumentState {
	fields := make(map[string]json.RawMessage)
	for _, key := range d.fields.Keys() {
		if v, ok := d.fields.Get(key); ok {
			fields[key] = rawValue(v)
		}
	}

	return &models.DocumentState{
		Fields: fields,
		Meta: models.DocumentMeta{
			ID:         d.id,
			Collection: d.collection,
			Revision:   d.revision.Clone(),
			Deleted:    d.deleted,
			DeletedAt:  d.deletedAt,
			DeletedBy:  d.deletedBy,
			UpdatedAt:  d.updatedAt,
			UpdatedBy:  d.updatedBy,
		},
	}
}
