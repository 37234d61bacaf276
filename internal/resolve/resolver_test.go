package resolve

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/models"
)

func docState(updatedAt int64, updatedBy string, fields map[string]string) *models.DocumentState {
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw[k] = json.RawMessage(`"` + v + `"`)
	}
	return &models.DocumentState{
		Fields: raw,
		Meta: models.DocumentMeta{
			ID:         "d1",
			Collection: "notes",
			UpdatedAt:  clock.HLC{WallMs: updatedAt},
			UpdatedBy:  updatedBy,
		},
	}
}

func testConflict(local, remote *models.DocumentState) models.Conflict {
	return models.Conflict{
		Collection: "notes",
		DocumentID: "d1",
		Local:      local,
		Remote:     remote,
	}
}

func TestResolver_RoleStrategies(t *testing.T) {
	conflict := testConflict(
		docState(10, "n1", map[string]string{"title": "local"}),
		docState(20, "n2", map[string]string{"title": "remote"}),
	)

	tests := []struct {
		name     string
		kind     Kind
		role     Role
		expected Winner
	}{
		{"server-wins on server keeps local", ServerWins, RoleServer, WinnerLocal},
		{"server-wins on client takes remote", ServerWins, RoleClient, WinnerRemote},
		{"client-wins on client keeps local", ClientWins, RoleClient, WinnerLocal},
		{"client-wins on server takes remote", ClientWins, RoleServer, WinnerRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(Strategy{Kind: tt.kind}, tt.role, slog.Default())
			require.NoError(t, err)

			res, err := r.Evaluate(conflict)

			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Winner)
		})
	}
}

func TestResolver_LastWriteWins(t *testing.T) {
	r, err := New(Strategy{Kind: LastWriteWins}, RoleClient, slog.Default())
	require.NoError(t, err)

	res, err := r.Evaluate(testConflict(
		docState(10, "n1", map[string]string{"title": "old"}),
		docState(20, "n2", map[string]string{"title": "new"}),
	))

	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)
	assert.JSONEq(t, `"new"`, string(res.Doc.Fields["title"]))
}

func TestResolver_LastWriteWinsTieBreak(t *testing.T) {
	r, err := New(Strategy{Kind: LastWriteWins}, RoleClient, slog.Default())
	require.NoError(t, err)

	// Равные timestamp: лексикографически больший NodeID побеждает,
	// одинаково при любом порядке сторон
	res, err := r.Evaluate(testConflict(
		docState(10, "node-b", map[string]string{"title": "b"}),
		docState(10, "node-a", map[string]string{"title": "a"}),
	))
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)

	res, err = r.Evaluate(testConflict(
		docState(10, "node-a", map[string]string{"title": "a"}),
		docState(10, "node-b", map[string]string{"title": "b"}),
	))
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)
}

func TestResolver_MergeFieldLevel(t *testing.T) {
	r, err := New(Strategy{Kind: Merge}, RoleClient, slog.Default())
	require.NoError(t, err)

	local := docState(10, "n1", map[string]string{"title": "same", "body": "local body", "local_only": "x"})
	remote := docState(20, "n2", map[string]string{"title": "same", "body": "remote body", "remote_only": "y"})

	res, err := r.Evaluate(testConflict(local, remote))

	require.NoError(t, err)
	assert.Equal(t, WinnerMerged, res.Winner)
	// Независимые поля слиты без потерь
	assert.JSONEq(t, `"x"`, string(res.Doc.Fields["local_only"]))
	assert.JSONEq(t, `"y"`, string(res.Doc.Fields["remote_only"]))
	assert.JSONEq(t, `"same"`, string(res.Doc.Fields["title"]))
	// Поле, замененное обеими сторонами, падает в LWW и отмечается как lossy
	assert.JSONEq(t, `"remote body"`, string(res.Doc.Fields["body"]))
	assert.Equal(t, []string{"body"}, res.LossyFields)
}

func TestResolver_CustomTrustedResult(t *testing.T) {
	custom := func(local, remote, base *models.DocumentState) (*models.DocumentState, error) {
		out := local.Clone()
		out.Fields["title"] = json.RawMessage(`"custom"`)
		return out, nil
	}
	r, err := New(Strategy{Kind: Custom, Fn: custom}, RoleClient, slog.Default())
	require.NoError(t, err)

	res, err := r.Evaluate(testConflict(
		docState(10, "n1", map[string]string{"title": "local"}),
		docState(20, "n2", map[string]string{"title": "remote"}),
	))

	require.NoError(t, err)
	assert.Equal(t, WinnerCustom, res.Winner)
	assert.JSONEq(t, `"custom"`, string(res.Doc.Fields["title"]))
}

func TestResolver_CustomErrorLeavesUnresolved(t *testing.T) {
	boom := errors.New("resolver exploded")
	r, err := New(Strategy{Kind: Custom, Fn: func(_, _, _ *models.DocumentState) (*models.DocumentState, error) {
		return nil, boom
	}}, RoleClient, slog.Default())
	require.NoError(t, err)

	_, err = r.Evaluate(testConflict(
		docState(10, "n1", nil),
		docState(20, "n2", nil),
	))

	require.ErrorIs(t, err, boom, "custom failure must surface, not be dropped")
}

func TestResolver_CustomWithoutFunction(t *testing.T) {
	_, err := New(Strategy{Kind: Custom}, RoleClient, slog.Default())
	require.Error(t, err)
}
