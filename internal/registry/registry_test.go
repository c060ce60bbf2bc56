package registry

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/protocol"
	"github.com/livinlefevreloca/syncrawl/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type recordingObserver struct {
	names []string
}

func (o *recordingObserver) AgentUnregistered(name string) {
	o.names = append(o.names, name)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Registration
// =============================================================================

// TestRegister_AssignsIDsInOrder verifies agents are kept in registration order
// and move to the Connected state.
func TestRegister_AssignsIDsInOrder(t *testing.T) {
	r := New(3, false, createTestLogger())

	idA, err := r.Register("a", testutil.NewFakeConn("c1"), epoch)
	require.NoError(t, err)
	idB, err := r.Register("b", testutil.NewFakeConn("c2"), epoch)
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, r.Len())
	assert.False(t, r.Full())

	agents := r.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].Name)
	assert.Equal(t, "b", agents[1].Name)
	assert.Equal(t, Connected, agents[0].State)
}

// TestRegister_CapacityExceeded verifies the registry refuses agents past
// the configured count.
func TestRegister_CapacityExceeded(t *testing.T) {
	r := New(1, false, createTestLogger())

	_, err := r.Register("a", testutil.NewFakeConn("c1"), epoch)
	require.NoError(t, err)
	assert.True(t, r.Full())

	_, err = r.Register("b", testutil.NewFakeConn("c2"), epoch)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.Equal(t, 1, r.Len())
}

// TestRegister_DuplicateName verifies a live name cannot be registered twice
// but becomes available again after unregistering.
func TestRegister_DuplicateName(t *testing.T) {
	r := New(3, false, createTestLogger())

	id, err := r.Register("a", testutil.NewFakeConn("c1"), epoch)
	require.NoError(t, err)

	_, err = r.Register("a", testutil.NewFakeConn("c2"), epoch)
	assert.True(t, errors.Is(err, ErrDuplicateName))

	require.NoError(t, r.Unregister(id))

	newID, err := r.Register("a", testutil.NewFakeConn("c3"), epoch)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	agent, ok := r.ByName("a")
	require.True(t, ok)
	assert.Equal(t, "c3", agent.Conn.ID())
}

// =============================================================================
// Unregistration
// =============================================================================

func TestUnregister_UnknownAgent(t *testing.T) {
	r := New(1, false, createTestLogger())
	err := r.Unregister("missing")
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

// TestUnregister_NotifiesObserversOnlyWhenForced verifies profile invalidation
// is only requested when forced recalibration on disconnect is configured.
func TestUnregister_NotifiesObserversOnlyWhenForced(t *testing.T) {
	tests := []struct {
		name     string
		force    bool
		expected []string
	}{
		{"not forced", false, nil},
		{"forced", true, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(2, tt.force, createTestLogger())
			obs := &recordingObserver{}
			r.AddObserver(obs)

			id, err := r.Register("a", testutil.NewFakeConn("c1"), epoch)
			require.NoError(t, err)
			require.NoError(t, r.Unregister(id))

			assert.Equal(t, tt.expected, obs.names)
			assert.Equal(t, 0, r.Len())
		})
	}
}

// =============================================================================
// Logs
// =============================================================================

// TestAppendLog_KindsAreIndependent verifies calibration and crawl logs do not
// share samples.
func TestAppendLog_KindsAreIndependent(t *testing.T) {
	r := New(1, false, createTestLogger())
	id, err := r.Register("a", testutil.NewFakeConn("c1"), epoch)
	require.NoError(t, err)

	require.NoError(t, r.AppendLog(id, CalibrationLog, FieldReady, 10*time.Millisecond))
	require.NoError(t, r.AppendLog(id, CalibrationLog, FieldReady, 12*time.Millisecond))
	require.NoError(t, r.AppendLog(id, CrawlLog, FieldReady, 5*time.Millisecond))

	n, err := r.LogLengthAt(id, CalibrationLog, FieldReady)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.LogLengthAt(id, CrawlLog, FieldReady)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.LogLengthAt("missing", CrawlLog, FieldReady)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

// TestRoundLog_IsCurrent verifies a round is current only once both ready
// and done hold exactly roundIndex+1 samples.
func TestRoundLog_IsCurrent(t *testing.T) {
	l := newRoundLog(CrawlLog)

	assert.False(t, l.IsCurrent(0))
	l.Append(FieldReady, time.Millisecond)
	assert.False(t, l.IsCurrent(0), "done is still missing")
	l.Append(FieldDone, 2*time.Millisecond)
	assert.True(t, l.IsCurrent(0))
	assert.False(t, l.IsCurrent(1))

	// A stale extra ready sample breaks alignment
	l.Append(FieldReady, time.Millisecond)
	assert.False(t, l.IsCurrent(0))
}

func TestRoundLog_TruncateAndReset(t *testing.T) {
	l := newRoundLog(CalibrationLog)
	for i := 0; i < 3; i++ {
		l.Append(FieldReady, time.Duration(i))
		l.Append(FieldRequest, time.Duration(i))
		l.Dates = append(l.Dates, epoch)
	}
	l.Append(FieldReady, 99)

	l.Truncate(2)
	assert.Equal(t, 2, l.Len(FieldReady))
	assert.Equal(t, 2, l.Len(FieldRequest))
	assert.Len(t, l.Dates, 2)
	assert.Equal(t, Missing, l.At(FieldReady, 5))
	assert.Equal(t, time.Duration(1), l.At(FieldReady, 1))

	l.Reset()
	assert.Equal(t, 0, l.Len(FieldReady))
	assert.Empty(t, l.Dates)
}

func TestRegistry_LaggingAndCount(t *testing.T) {
	r := New(2, false, createTestLogger())
	idA, _ := r.Register("a", testutil.NewFakeConn("c1"), epoch)
	_, _ = r.Register("b", testutil.NewFakeConn("c2"), epoch)

	require.NoError(t, r.AppendLog(idA, CrawlLog, FieldReady, time.Millisecond))

	assert.Equal(t, 1, r.CountWith(CrawlLog, FieldReady, 0))
	lagging := r.Lagging(CrawlLog, FieldReady, 0)
	require.Len(t, lagging, 1)
	assert.Equal(t, "b", lagging[0].Name)
}

func TestRegistry_BroadcastSkipsFailingConn(t *testing.T) {
	r := New(2, false, createTestLogger())
	c1 := testutil.NewFakeConn("c1")
	c2 := testutil.NewFakeConn("c2")
	_, _ = r.Register("a", c1, epoch)
	_, _ = r.Register("b", c2, epoch)

	c1.Close("gone")
	r.Broadcast(protocol.MustNew(protocol.EventPing, nil))

	assert.Equal(t, 0, c1.Count(protocol.EventPing))
	assert.Equal(t, 1, c2.Count(protocol.EventPing))

	agent, ok := r.ByConn("c2")
	require.True(t, ok)
	assert.Equal(t, "b", agent.Name)
}
