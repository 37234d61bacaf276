package document

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/crdt"
	"github.com/iudanet/usp/internal/models"
)

// Store хранит CRDT документы реплики и сериализует применение
// изменений: все merge для одного document id проходят через один
// entry point под мьютексом. Сами merge чисты и свободны от побочных
// эффектов, блокировка нужна только для записи in-memory состояния.
type Store struct {
	docs map[string]*Document // key: collection + "/" + id
	clk  *clock.Clock
	mu   sync.Mutex
}

// NewStore создает пустое хранилище документов поверх часов узла
func NewStore(clk *clock.Clock) *Store {
	return &Store{
		docs: make(map[string]*Document),
		clk:  clk,
	}
}

// Clock возвращает часы узла
func (s *Store) Clock() *clock.Clock { return s.clk }

func docKey(collection, id string) string {
	return collection + "/" + id
}

// ApplyLocal применяет локальную операцию: тикает часы, обновляет
// примитивы и эмитит change record для репликации.
func (s *Store) ApplyLocal(collection, docID string, op models.Operation, fields []models.FieldOp) (*models.ChangeRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("apply local: unknown operation %q", op)
	}
	if collection == "" || docID == "" {
		return nil, fmt.Errorf("apply local: collection and document id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &models.ChangeRecord{
		ID:         uuid.New().String(),
		Collection: collection,
		DocumentID: docID,
		Operation:  op,
		Fields:     fields,
		Stamp:      s.clk.Tick(),
	}

	doc := s.getOrCreate(collection, docID)
	doc.applyRecord(rec)

	return rec.Clone(), nil
}

// ApplyRemote вливает удаленную change record в локальное состояние.
// Возвращает false для идемпотентного повтора уже примененной записи.
func (s *Store) ApplyRemote(rec *models.ChangeRecord) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("apply remote: nil record")
	}
	if !rec.Operation.Valid() {
		return false, fmt.Errorf("apply remote: unknown operation %q", rec.Operation)
	}
	if rec.Collection == "" || rec.DocumentID == "" || rec.Stamp.NodeID == "" {
		return false, fmt.Errorf("apply remote: record %s is missing required fields", rec.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clk.Observe(rec.Stamp)
	doc := s.getOrCreate(rec.Collection, rec.DocumentID)
	return doc.applyRecord(rec), nil
}

// getOrCreate возвращает документ, создавая пустой при первом обращении.
// Вызывается под мьютексом.
func (s *Store) getOrCreate(collection, id string) *Document {
	key := docKey(collection, id)
	doc, ok := s.docs[key]
	if !ok {
		doc = newDocument(collection, id)
		s.docs[key] = doc
	}
	return doc
}

// Get возвращает снимок документа
func (s *Store) Get(collection, id string) (*models.DocumentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docKey(collection, id)]
	if !ok {
		return nil, false
	}
	return doc.State(), true
}

// Snapshot возвращает снимки всех документов в детерминированном
// порядке (для сравнения сходимости реплик).
func (s *Store) Snapshot() []*models.DocumentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*models.DocumentState, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.docs[k].State())
	}
	return out
}

// DocumentSnapshot сериализуемая форма внутреннего CRDT состояния
// документа для персистентного хранилища.
type DocumentSnapshot struct {
	Fields       crdt.ORMap        `msgpack:"fields"`
	Revision     clock.VectorClock `msgpack:"revision"`
	DeleteVector clock.VectorClock `msgpack:"delete_vector,omitempty"`
	ID           string            `msgpack:"id"`
	Collection   string            `msgpack:"collection"`
	UpdatedBy    string            `msgpack:"updated_by,omitempty"`
	DeletedBy    string            `msgpack:"deleted_by,omitempty"`
	UpdatedAt    clock.HLC         `msgpack:"updated_at"`
	DeletedAt    clock.HLC         `msgpack:"deleted_at,omitempty"`
	Deleted      bool              `msgpack:"deleted"`
}

// Export выгружает внутренние состояния для персистентности
func (s *Store) Export() []DocumentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]DocumentSnapshot, 0, len(keys))
	for _, k := range keys {
		d := s.docs[k]
		out = append(out, DocumentSnapshot{
			ID:           d.id,
			Collection:   d.collection,
			Fields:       d.fields.Merge(nil), // глубокая копия
			Revision:     d.revision.Clone(),
			DeleteVector: d.deleteVector.Clone(),
			UpdatedBy:    d.updatedBy,
			DeletedBy:    d.deletedBy,
			UpdatedAt:    d.updatedAt,
			DeletedAt:    d.deletedAt,
			Deleted:      d.deleted,
		})
	}
	return out
}

// Restore восстанавливает документ из персистентного снимка
func (s *Store) Restore(snap DocumentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[docKey(snap.Collection, snap.ID)] = &Document{
		id:           snap.ID,
		collection:   snap.Collection,
		fields:       snap.Fields.Merge(nil),
		revision:     snap.Revision.Clone(),
		deleteVector: snap.DeleteVector.Clone(),
		updatedBy:    snap.UpdatedBy,
		deletedBy:    snap.DeletedBy,
		updatedAt:    snap.UpdatedAt,
		deletedAt:    snap.DeletedAt,
		deleted:      snap.Deleted,
	}
}
