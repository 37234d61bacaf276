package conformance

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/usp/internal/clock"
	"github.com/iudanet/usp/internal/document"
	"github.com/iudanet/usp/internal/peer"
	"github.com/iudanet/usp/internal/storage/sqlite"
	"github.com/iudanet/usp/internal/transport"
)

func newTestPeer(t *testing.T, cfg peer.Config) transport.Conn {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	docs := document.NewStore(clock.NewWithNodeID("reference-peer"))
	responder := peer.NewResponder(docs, store, cfg, slog.Default())
	t.Cleanup(responder.Close)

	return transport.NewMemoryConn(responder)
}

func TestSuite_ReferenceResponderPasses(t *testing.T) {
	conn := newTestPeer(t, peer.Config{})
	suite := New(Config{NodeID: "probe"}, slog.Default())

	report := suite.Run(context.Background(), conn)

	require.Len(t, report.Results, len(checks))
	for _, res := range report.Results {
		assert.True(t, res.Pass, "check %s failed: %s", res.Name, res.Detail)
	}
	assert.True(t, report.Passed())
}

func TestSuite_AuthenticatingResponderPasses(t *testing.T) {
	auth := peer.NewTokenAuth("conform-secret", time.Hour)
	conn := newTestPeer(t, peer.Config{Auth: auth})

	token, err := auth.IssueToken("probe")
	require.NoError(t, err)
	suite := New(Config{NodeID: "probe", AuthToken: token}, slog.Default())

	report := suite.Run(context.Background(), conn)

	require.True(t, report.Passed(), "report: %+v", report.Results)

	for _, res := range report.Results {
		if res.Name == "auth-reject" {
			assert.Contains(t, res.Detail, "rejected")
		}
	}
}

func TestReport_Render(t *testing.T) {
	report := Report{Results: []Result{
		{Name: "handshake-accept", Pass: true, Detail: "session s1"},
		{Name: "auth-reject", Pass: false, Detail: "peer accepted a bad token"},
	}}

	var sb strings.Builder
	report.Render(&sb)
	out := sb.String()

	assert.Contains(t, out, "PASS  handshake-accept")
	assert.Contains(t, out, "FAIL  auth-reject")
	assert.Contains(t, out, "1/2 checks passed")
	assert.False(t, report.Passed())
}
