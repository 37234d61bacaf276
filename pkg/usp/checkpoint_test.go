package usp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	cp := Checkpoint{Seq: 42, NodeID: "node-b"}

	parsed, err := ParseCheckpoint(cp.String())

	require.NoError(t, err)
	assert.Equal(t, cp, parsed)
}

func TestCheckpoint_EmptyTokenIsLogStart(t *testing.T) {
	parsed, err := ParseCheckpoint("")

	require.NoError(t, err)
	assert.True(t, parsed.IsZero())
	assert.Empty(t, parsed.String())
}

func TestCheckpoint_Compare(t *testing.T) {
	older := Checkpoint{Seq: 10, NodeID: "node-a"}
	newer := Checkpoint{Seq: 20, NodeID: "node-a"}

	cmp, err := older.Compare(newer)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = newer.Compare(older)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = older.Compare(older)
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)
}

func TestCheckpoint_CompareAcrossLogs(t *testing.T) {
	a := Checkpoint{Seq: 10, NodeID: "node-a"}
	b := Checkpoint{Seq: 10, NodeID: "node-b"}

	_, err := a.Compare(b)

	require.Error(t, err, "checkpoints of different logs must not be ordered")
}

func TestCheckpoint_CompareWithLogStart(t *testing.T) {
	cp := Checkpoint{Seq: 5, NodeID: "node-a"}

	cmp, err := Checkpoint{}.Compare(cp)

	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestParseCheckpoint_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "???"},
		{"no separator", "bm9kZS1h"},       // "node-a"
		{"empty node id", "NDJA"},          // "42@"
		{"non-numeric seq", "eEBub2RlLWE"}, // "x@node-a"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCheckpoint(tt.token)

			var wireErr *WireError
			require.ErrorAs(t, err, &wireErr)
			assert.Equal(t, CodeInvalidMessage, wireErr.Code)
		})
	}
}
