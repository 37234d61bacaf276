// Package crdt реализует базовые CRDT примитивы: счетчики, регистры
// и observed-remove map. Каждый примитив - чистая алгебра (State, Merge),
// где Merge коммутативен, ассоциативен и идемпотентен, что гарантирует
// сходимость реплик без координации.
package crdt

import (
	"errors"
	"fmt"
)

// ErrNegativeDelta возвращается при попытке инкремента grow-only
// счетчика на отрицательную величину.
var ErrNegativeDelta = errors.New("negative delta for grow-only counter")

// GCounter представляет grow-only счетчик: вклад каждого узла
// неотрицателен и только растет, значение - сумма вкладов.
type GCounter map[string]uint64

// NewGCounter создает пустой grow-only счетчик
func NewGCounter() GCounter {
	return make(GCounter)
}

// Increment увеличивает вклад узла на delta.
// Отрицательная delta - ошибка, а не silent clamp.
func (c GCounter) Increment(nodeID string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("increment %d on node %s: %w", delta, nodeID, ErrNegativeDelta)
	}
	c[nodeID] += uint64(delta)
	return nil
}

// Value возвращает сумму вкладов всех узлов
func (c GCounter) Value() int64 {
	var sum int64
	for _, v := range c {
		sum += int64(v)
	}
	return sum
}

// Merge возвращает поэлементный максимум двух счетчиков.
// Не модифицирует аргументы.
func (c GCounter) Merge(other GCounter) GCounter {
	out := make(GCounter, len(c))
	for id, v := range c {
		out[id] = v
	}
	for id, v := range other {
		if v > out[id] {
			out[id] = v
		}
	}
	return out
}

// Clone создает глубокую копию счетчика
func (c GCounter) Clone() GCounter {
	return c.Merge(nil)
}

// PNCounter представляет счетчик с инкрементами и декрементами:
// два grow-only счетчика, значение = increments - decrements.
// Допускает отрицательный результат.
type PNCounter struct {
	Inc GCounter `json:"inc" msgpack:"inc"`
	Dec GCounter `json:"dec" msgpack:"dec"`
}

// NewPNCounter создает пустой PN-счетчик
func NewPNCounter() PNCounter {
	return PNCounter{Inc: NewGCounter(), Dec: NewGCounter()}
}

// Increment увеличивает счетчик на delta.
// Отрицательная delta маршрутизируется в декременты, а не ошибка.
func (c PNCounter) Increment(nodeID string, delta int64) {
	if delta < 0 {
		// Инвариант G-счетчика сохранен: -delta неотрицательна
		_ = c.Dec.Increment(nodeID, -delta)
		return
	}
	_ = c.Inc.Increment(nodeID, delta)
}

// Decrement уменьшает счетчик на delta
func (c PNCounter) Decrement(nodeID string, delta int64) {
	c.Increment(nodeID, -delta)
}

// Value возвращает increments - decrements
func (c PNCounter) Value() int64 {
	return c.Inc.Value() - c.Dec.Value()
}

// Merge возвращает поэлементное слияние обеих половин
func (c PNCounter) Merge(other PNCounter) PNCounter {
	return PNCounter{
		Inc: c.Inc.Merge(other.Inc),
		Dec: c.Dec.Merge(other.Dec),
	}
}
