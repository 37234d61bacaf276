package clock

// Ordering описывает результат сравнения двух векторных часов
// в частичном порядке causal history.
type Ordering int

const (
	// Equal обе истории идентичны
	Equal Ordering = iota
	// Before первая история causally предшествует второй (happened-before)
	Before
	// After первая история causally следует за второй
	After
	// Concurrent истории конкурентны: ни одна не предшествует другой
	Concurrent
)

// String возвращает человекочитаемое имя ordering
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock представляет векторные часы: map[nodeID]counter.
// Инвариант: узел инкрементирует только собственную запись,
// merge берет поэлементный максимум.
type VectorClock map[string]uint64

// NewVectorClock создает пустые векторные часы
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Tick увеличивает счетчик указанного узла на единицу
func (vc VectorClock) Tick(nodeID string) uint64 {
	vc[nodeID]++
	return vc[nodeID]
}

// Merge обновляет часы поэлементным максимумом с other.
// Локальные записи никогда не регрессируют.
func (vc VectorClock) Merge(other VectorClock) {
	for id, counter := range other {
		if counter > vc[id] {
			vc[id] = counter
		}
	}
}

// Clone создает глубокую копию векторных часов
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, counter := range vc {
		out[id] = counter
	}
	return out
}

// Descends возвращает true, если vc поэлементно >= other,
// то есть vc "видел" всю историю other.
func (vc VectorClock) Descends(other VectorClock) bool {
	for id, counter := range other {
		if vc[id] < counter {
			return false
		}
	}
	return true
}

// Compare вычисляет частичный порядок между a и b.
// Ровно один из вариантов Before/After/Concurrent/Equal истинен.
func Compare(a, b VectorClock) Ordering {
	aDominates := false // есть запись, где a > b
	bDominates := false // есть запись, где b > a

	for id, counter := range a {
		if counter > b[id] {
			aDominates = true
		}
	}
	for id, counter := range b {
		if counter > a[id] {
			bDominates = true
		}
	}

	switch {
	case aDominates && bDominates:
		return Concurrent
	case aDominates:
		return After
	case bDominates:
		return Before
	default:
		return Equal
	}
}

// Prune удаляет записи узлов, отсутствующих в active.
// Это GC для неограниченного роста векторных часов: известный компромисс.
// Узел, удаленный и появившийся снова, будет выглядеть конкурентным
// по отношению к своим старым событиям, поэтому вызывающий код должен
// prune-ить только узлы за пределами горизонта воскрешения сессии.
func (vc VectorClock) Prune(active map[string]struct{}) {
	for id := range vc {
		if _, ok := active[id]; !ok {
			delete(vc, id)
		}
	}
}
