package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stamp представляет полную причинную метку одного локального события:
// HLC timestamp для тотального порядка, векторные часы для частичного,
// и идентификатор узла для детерминированного tie-break.
type Stamp struct {
	Vector VectorClock `json:"vector"`
	NodeID string      `json:"node_id"`
	Time   HLC         `json:"time"`
}

// CompareLWW сравнивает две метки по правилу last-write-wins:
// сначала HLC, при равенстве лексикографически больший NodeID побеждает.
// Возвращает true, если s выигрывает у other.
func (s Stamp) CompareLWW(other Stamp) bool {
	if c := s.Time.Compare(other.Time); c != 0 {
		return c > 0
	}
	return s.NodeID > other.NodeID
}

// Clock объединяет HLC и векторные часы одного узла.
// Tick монотонен даже при регрессе wall-clock (растет логический счетчик)
// и при рестарте процесса, если часы засеяны сохраненным состоянием.
type Clock struct {
	lastSeen map[string]int64 // lastSeen последнее HLC wall time, виденное от каждого узла
	vector   VectorClock
	nodeID   string
	latest   HLC
	wallNow  func() int64 // источник физического времени, подменяется в тестах
	mu       sync.Mutex
}

// New создает часы с уникальным идентификатором узла (UUID)
func New() *Clock {
	return NewWithNodeID(uuid.New().String())
}

// NewWithNodeID создает часы с заданным идентификатором узла.
// Используется для тестирования или восстановления состояния.
func NewWithNodeID(nodeID string) *Clock {
	return &Clock{
		nodeID:   nodeID,
		vector:   NewVectorClock(),
		lastSeen: make(map[string]int64),
		wallNow:  func() int64 { return time.Now().UnixMilli() },
	}
}

// NewSeeded создает часы из сохраненного состояния.
// Гарантирует, что первый Tick после рестарта строго больше seed.
func NewSeeded(nodeID string, seed HLC, vector VectorClock) *Clock {
	c := NewWithNodeID(nodeID)
	c.latest = seed
	if vector != nil {
		c.vector = vector.Clone()
	}
	return c
}

// NodeID возвращает идентификатор узла
func (c *Clock) NodeID() string { return c.nodeID }

// SetWallClock подменяет источник физического времени.
// Используется в тестах и для детерминированного replay: логика
// часов не должна зависеть от ambient time.Now.
func (c *Clock) SetWallClock(fn func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallNow = fn
}

// Tick выдает метку нового локального события, строго большую
// любой ранее выданной или наблюденной этим узлом.
func (c *Clock) Tick() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallNow()
	if wall > c.latest.WallMs {
		c.latest = HLC{WallMs: wall}
	} else {
		// Wall-clock не продвинулся (или откатился) - растим логический счетчик
		c.latest.Logical++
	}

	c.vector.Tick(c.nodeID)
	c.lastSeen[c.nodeID] = c.latest.WallMs

	return Stamp{
		Time:   c.latest,
		Vector: c.vector.Clone(),
		NodeID: c.nodeID,
	}
}

// Observe вливает удаленную метку, не регрессируя локальные часы.
// Вызывается при получении каждого удаленного события.
func (c *Clock) Observe(remote Stamp) Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallNow()
	switch {
	case wall > c.latest.WallMs && wall > remote.Time.WallMs:
		c.latest = HLC{WallMs: wall}
	case remote.Time.Compare(c.latest) > 0:
		c.latest = HLC{WallMs: remote.Time.WallMs, Logical: remote.Time.Logical + 1}
	default:
		c.latest.Logical++
	}

	c.vector.Merge(remote.Vector)
	if remote.NodeID != "" && remote.Time.WallMs > c.lastSeen[remote.NodeID] {
		c.lastSeen[remote.NodeID] = remote.Time.WallMs
	}

	return Stamp{
		Time:   c.latest,
		Vector: c.vector.Clone(),
		NodeID: c.nodeID,
	}
}

// Current возвращает текущее состояние часов без tick
func (c *Clock) Current() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stamp{
		Time:   c.latest,
		Vector: c.vector.Clone(),
		NodeID: c.nodeID,
	}
}

// ForgetBefore удаляет из векторных часов записи узлов, от которых
// не было событий после horizon (HLC wall time, миллисекунды).
// Ограничивает неограниченный рост часов в долгоживущих репликах;
// см. комментарий к VectorClock.Prune о цене этого компромисса.
func (c *Clock) ForgetBefore(horizonMs int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make(map[string]struct{}, len(c.lastSeen))
	for id, seen := range c.lastSeen {
		if seen >= horizonMs || id == c.nodeID {
			active[id] = struct{}{}
		}
	}

	before := len(c.vector)
	c.vector.Prune(active)
	for id := range c.lastSeen {
		if _, ok := active[id]; !ok {
			delete(c.lastSeen, id)
		}
	}
	return before - len(c.vector)
}
