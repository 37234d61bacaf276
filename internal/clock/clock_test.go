package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedWall подменяет источник физического времени в тестах
func fixedWall(c *Clock, ms int64) {
	c.SetWallClock(func() int64 { return ms })
}

func TestHLC_Compare(t *testing.T) {
	tests := []struct {
		name     string
		a        HLC
		b        HLC
		expected int
	}{
		{"equal", HLC{WallMs: 10, Logical: 2}, HLC{WallMs: 10, Logical: 2}, 0},
		{"wall dominates", HLC{WallMs: 11, Logical: 0}, HLC{WallMs: 10, Logical: 99}, 1},
		{"logical breaks wall tie", HLC{WallMs: 10, Logical: 1}, HLC{WallMs: 10, Logical: 2}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.expected, tt.b.Compare(tt.a))
		})
	}
}

func TestClock_TickMonotonic(t *testing.T) {
	c := NewWithNodeID("n1")
	fixedWall(c, 1000)

	// Wall-clock стоит на месте - растет логический счетчик
	s1 := c.Tick()
	s2 := c.Tick()
	s3 := c.Tick()

	assert.True(t, s2.Time.After(s1.Time))
	assert.True(t, s3.Time.After(s2.Time))
	assert.Equal(t, int64(1000), s3.Time.WallMs)
	assert.Equal(t, uint32(2), s3.Time.Logical)

	// Wall-clock продвинулся - логический счетчик сбрасывается
	fixedWall(c, 2000)
	s4 := c.Tick()
	assert.Equal(t, HLC{WallMs: 2000, Logical: 0}, s4.Time)
}

func TestClock_TickAdvancesOwnVectorEntryOnly(t *testing.T) {
	c := NewWithNodeID("n1")

	s1 := c.Tick()
	s2 := c.Tick()

	assert.Equal(t, uint64(1), s1.Vector["n1"])
	assert.Equal(t, uint64(2), s2.Vector["n1"])
	assert.Len(t, s2.Vector, 1)
	assert.Equal(t, "n1", s2.NodeID)
}

func TestClock_ObserveDoesNotRegress(t *testing.T) {
	c := NewWithNodeID("n1")
	fixedWall(c, 1000)
	c.Tick()

	// Удаленная метка из будущего: локальные часы прыгают вперед
	remote := Stamp{
		Time:   HLC{WallMs: 5000, Logical: 3},
		Vector: VectorClock{"n2": 7},
		NodeID: "n2",
	}
	s := c.Observe(remote)

	assert.Equal(t, HLC{WallMs: 5000, Logical: 4}, s.Time)
	assert.Equal(t, uint64(7), s.Vector["n2"])
	assert.Equal(t, uint64(1), s.Vector["n1"])

	// Следующий локальный tick строго больше наблюденного
	next := c.Tick()
	assert.True(t, next.Time.After(s.Time))
}

func TestClock_SeededSurvivesRestart(t *testing.T) {
	c := NewSeeded("n1", HLC{WallMs: 9000, Logical: 5}, VectorClock{"n1": 12})
	fixedWall(c, 1000) // wall-clock "откатился" после рестарта

	s := c.Tick()

	require.True(t, s.Time.After(HLC{WallMs: 9000, Logical: 5}),
		"first tick after restart must exceed the seed")
	assert.Equal(t, uint64(13), s.Vector["n1"])
}

func TestClock_ForgetBefore(t *testing.T) {
	c := NewWithNodeID("n1")
	fixedWall(c, 1000)
	c.Tick()

	c.Observe(Stamp{Time: HLC{WallMs: 500}, Vector: VectorClock{"stale": 4}, NodeID: "stale"})
	c.Observe(Stamp{Time: HLC{WallMs: 5000}, Vector: VectorClock{"fresh": 2}, NodeID: "fresh"})

	pruned := c.ForgetBefore(1000)

	assert.Equal(t, 1, pruned)
	cur := c.Current()
	assert.NotContains(t, cur.Vector, "stale")
	assert.Contains(t, cur.Vector, "fresh")
	// Собственная запись никогда не prune-ится
	assert.Contains(t, cur.Vector, "n1")
}

func TestStamp_CompareLWW(t *testing.T) {
	base := Stamp{Time: HLC{WallMs: 10, Logical: 1}, NodeID: "a"}

	assert.True(t, Stamp{Time: HLC{WallMs: 11}, NodeID: "a"}.CompareLWW(base))
	assert.False(t, Stamp{Time: HLC{WallMs: 9}, NodeID: "z"}.CompareLWW(base))
	// Равные timestamp: лексикографически больший NodeID побеждает, детерминированно
	assert.True(t, Stamp{Time: HLC{WallMs: 10, Logical: 1}, NodeID: "b"}.CompareLWW(base))
	assert.False(t, base.CompareLWW(Stamp{Time: HLC{WallMs: 10, Logical: 1}, NodeID: "b"}))
}
