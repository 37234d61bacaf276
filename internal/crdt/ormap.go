package crdt

import "github.com/iudanet/usp/internal/clock"

// ORMapEntry хранит одно значение observed-remove map вместе
// с timestamp добавления и опциональным tombstone удаления.
type ORMapEntry struct {
	Value     any       `json:"value" msgpack:"value"`
	AddedBy   string    `json:"added_by" msgpack:"added_by"`
	RemovedBy string    `json:"removed_by,omitempty" msgpack:"removed_by,omitempty"`
	AddedAt   clock.HLC `json:"added_at" msgpack:"added_at"`
	RemovedAt clock.HLC `json:"removed_at,omitempty" msgpack:"removed_at,omitempty"`
}

// removed возвращает true, если удаление подавляет добавление.
// Remove выигрывает только если его timestamp строго позже добавления,
// иначе добавление воскрешается (стандартная OR-Set семантика:
// конкурентный add/remove не теряет add).
func (e ORMapEntry) removed() bool {
	return !e.RemovedAt.IsZero() && e.RemovedAt.After(e.AddedAt)
}

// mergeEntry сливает два состояния одного ключа: add-сторона по LWW,
// remove-сторона по максимуму timestamp.
func mergeEntry(a, b ORMapEntry) ORMapEntry {
	out := a

	addA := LWWRegister{Value: a.Value, Time: a.AddedAt, NodeID: a.AddedBy}
	addB := LWWRegister{Value: b.Value, Time: b.AddedAt, NodeID: b.AddedBy}
	winner := addA.Merge(addB)
	out.Value, out.AddedAt, out.AddedBy = winner.Value, winner.Time, winner.NodeID

	remA := LWWRegister{Time: a.RemovedAt, NodeID: a.RemovedBy}
	remB := LWWRegister{Time: b.RemovedAt, NodeID: b.RemovedBy}
	remWinner := remA.Merge(remB)
	out.RemovedAt, out.RemovedBy = remWinner.Time, remWinner.NodeID

	return out
}

// ORMap представляет observed-remove map: каждый ключ несет
// timestamp добавления и tombstone удаления.
type ORMap map[string]ORMapEntry

// NewORMap создает пустой observed-remove map
func NewORMap() ORMap {
	return make(ORMap)
}

// Set добавляет или обновляет ключ
func (m ORMap) Set(key string, value any, ts clock.HLC, nodeID string) {
	entry, ok := m[key]
	if !ok {
		m[key] = ORMapEntry{Value: value, AddedAt: ts, AddedBy: nodeID}
		return
	}
	m[key] = mergeEntry(entry, ORMapEntry{Value: value, AddedAt: ts, AddedBy: nodeID,
		RemovedAt: entry.RemovedAt, RemovedBy: entry.RemovedBy})
}

// Remove помечает ключ tombstone-ом. Ключ остается в map
// (физическое удаление сломало бы сходимость при реордеринге).
func (m ORMap) Remove(key string, ts clock.HLC, nodeID string) {
	entry := m[key]
	rem := LWWRegister{Time: entry.RemovedAt, NodeID: entry.RemovedBy}.
		Merge(LWWRegister{Time: ts, NodeID: nodeID})
	entry.RemovedAt, entry.RemovedBy = rem.Time, rem.NodeID
	m[key] = entry
}

// Get возвращает значение ключа, ok=false если ключ отсутствует
// или его удаление доминирует над добавлением.
func (m ORMap) Get(key string) (any, bool) {
	entry, ok := m[key]
	if !ok || entry.removed() {
		return nil, false
	}
	return entry.Value, true
}

// Keys возвращает видимые (не удаленные) ключи
func (m ORMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k, e := range m {
		if !e.removed() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Merge возвращает поэлементное слияние двух map.
// Не модифицирует аргументы.
func (m ORMap) Merge(other ORMap) ORMap {
	out := make(ORMap, len(m))
	for k, e := range m {
		out[k] = e
	}
	for k, e := range other {
		if existing, ok := out[k]; ok {
			out[k] = mergeEntry(existing, e)
		} else {
			out[k] = e
		}
	}
	return out
}
