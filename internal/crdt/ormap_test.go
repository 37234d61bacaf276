package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestORMap_SetGet(t *testing.T) {
	m := NewORMap()

	m.Set("title", "A", hlc(10, 0), "n1")

	v, ok := m.Get("title")
	require.True(t, ok)
	assert.Equal(t, "A", v)
}

func TestORMap_RemoveWinsOnlyIfLater(t *testing.T) {
	tests := []struct {
		name    string
		addAt   int64
		remAt   int64
		visible bool
	}{
		{"remove after add suppresses", 10, 20, false},
		{"concurrent remove loses, add resurrected", 20, 10, true},
		{"equal timestamps keep the add", 10, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewORMap()
			m.Set("k", "v", hlc(tt.addAt, 0), "n1")
			m.Remove("k", hlc(tt.remAt, 0), "n2")

			_, ok := m.Get("k")
			assert.Equal(t, tt.visible, ok)
		})
	}
}

func TestORMap_ConcurrentAddRemoveAcrossReplicas(t *testing.T) {
	// Реплика 1 удаляет ключ, реплика 2 конкурентно переписывает его
	// более поздним timestamp: add должен воскреснуть после merge.
	r1 := NewORMap()
	r1.Set("k", "base", hlc(10, 0), "n1")
	r1.Remove("k", hlc(20, 0), "n1")

	r2 := NewORMap()
	r2.Set("k", "updated", hlc(30, 0), "n2")

	merged := r1.Merge(r2)

	v, ok := merged.Get("k")
	require.True(t, ok, "add causally after the remove must win")
	assert.Equal(t, "updated", v)

	// Tombstone сохранен для последующих merge
	assert.False(t, merged["k"].RemovedAt.IsZero())
}

func TestORMap_Keys(t *testing.T) {
	m := NewORMap()
	m.Set("a", 1, hlc(10, 0), "n1")
	m.Set("b", 2, hlc(10, 1), "n1")
	m.Remove("b", hlc(11, 0), "n1")

	assert.ElementsMatch(t, []string{"a"}, m.Keys())
	assert.Len(t, m, 2, "tombstoned key stays in the map")
}

func TestORMap_MergeLaws(t *testing.T) {
	mk := func(build func(ORMap)) ORMap {
		m := NewORMap()
		build(m)
		return m
	}

	states := []ORMap{
		NewORMap(),
		mk(func(m ORMap) { m.Set("k", "v1", hlc(10, 0), "n1") }),
		mk(func(m ORMap) { m.Set("k", "v2", hlc(10, 0), "n2") }),
		mk(func(m ORMap) {
			m.Set("k", "v3", hlc(5, 0), "n1")
			m.Remove("k", hlc(15, 0), "n1")
		}),
		mk(func(m ORMap) { m.Set("other", true, hlc(7, 0), "n3") }),
	}

	for _, a := range states {
		for _, b := range states {
			assert.Equal(t, a.Merge(b), b.Merge(a), "commutativity")
			assert.Equal(t, a.Merge(nil), a.Merge(a), "idempotence")
			for _, c := range states {
				assert.Equal(t, a.Merge(b).Merge(c), a.Merge(b.Merge(c)), "associativity")
			}
		}
	}
}
