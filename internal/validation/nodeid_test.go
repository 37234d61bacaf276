package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateNodeID(t *testing.T) {
	tests := []struct {
		name    string
		nodeID  string
		wantErr bool
	}{
		{name: "simple name", nodeID: "laptop", wantErr: false},
		{name: "uuid style", nodeID: "conform-550e8400-e29b-41d4-a716-446655440000", wantErr: false},
		{name: "dots and underscores", nodeID: "node_1.local", wantErr: false},
		{name: "single character", nodeID: "a", wantErr: false},
		{name: "empty", nodeID: "", wantErr: true},
		{name: "too long", nodeID: strings.Repeat("x", MaxNodeIDLen+1), wantErr: true},
		{name: "spaces", nodeID: "node a", wantErr: true},
		{name: "slash", nodeID: "node/a", wantErr: true},
		{name: "cyrillic", nodeID: "узел", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeID(tt.nodeID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCollection(t *testing.T) {
	assert.NoError(t, ValidateCollection("notes"))
	assert.NoError(t, ValidateCollection("user-data.v2"))
	assert.Error(t, ValidateCollection(""))
	assert.Error(t, ValidateCollection("no spaces"))
	assert.Error(t, ValidateCollection(strings.Repeat("c", MaxNodeIDLen+1)))
}
