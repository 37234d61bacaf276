package crdt

import "github.com/iudanet/usp/internal/clock"

// LWWRegister представляет last-writer-wins регистр:
// (значение, HLC timestamp, идентификатор узла).
// При равных timestamp лексикографически больший NodeID побеждает -
// правило фиксировано во всем модуле для детерминированной сходимости.
type LWWRegister struct {
	Value  any       `json:"value" msgpack:"value"`
	NodeID string    `json:"node_id" msgpack:"node_id"`
	Time   clock.HLC `json:"time" msgpack:"time"`
}

// NewLWWRegister создает регистр с начальной записью
func NewLWWRegister(value any, ts clock.HLC, nodeID string) LWWRegister {
	return LWWRegister{Value: value, Time: ts, NodeID: nodeID}
}

// newerThan возвращает true, если запись r выигрывает у other по LWW
func (r LWWRegister) newerThan(other LWWRegister) bool {
	if c := r.Time.Compare(other.Time); c != 0 {
		return c > 0
	}
	return r.NodeID > other.NodeID
}

// IsZero возвращает true для регистра без единой записи
func (r LWWRegister) IsZero() bool {
	return r.Time.IsZero() && r.NodeID == ""
}

// Assign возвращает регистр с новой записью, если она новее текущей,
// иначе регистр не меняется (idempotent повтор старой записи).
func (r LWWRegister) Assign(value any, ts clock.HLC, nodeID string) LWWRegister {
	next := LWWRegister{Value: value, Time: ts, NodeID: nodeID}
	if next.newerThan(r) {
		return next
	}
	return r
}

// Merge возвращает запись с более поздним timestamp.
// Коммутативен: при точном равенстве (Time, NodeID) стороны идентичны.
func (r LWWRegister) Merge(other LWWRegister) LWWRegister {
	if other.newerThan(r) {
		return other
	}
	return r
}
