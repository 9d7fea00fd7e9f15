package tchannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOperationTableEnrollAndPopOutbound(t *testing.T) {
	table := newOperationTable()
	entry := &outboundEntry{start: time.Now()}

	require.NoError(t, table.enrollOutbound(1, entry))
	out, in := table.counts()
	require.Equal(t, int32(1), out)
	require.Equal(t, int32(0), in)

	got, ok := table.popOutbound(1)
	require.True(t, ok)
	require.Same(t, entry, got)

	_, ok = table.popOutbound(1)
	require.False(t, ok)

	out, _ = table.counts()
	require.Equal(t, int32(0), out)
}

func TestOperationTableEnrollOutboundDuplicateID(t *testing.T) {
	table := newOperationTable()
	require.NoError(t, table.enrollOutbound(5, &outboundEntry{}))
	err := table.enrollOutbound(5, &outboundEntry{})
	require.ErrorIs(t, err, ErrCallIDInUse)
}

func TestOperationTablePeekDoesNotRemove(t *testing.T) {
	table := newOperationTable()
	entry := &outboundEntry{}
	require.NoError(t, table.enrollOutbound(2, entry))

	got, ok := table.peekOutbound(2)
	require.True(t, ok)
	require.Same(t, entry, got)

	out, _ := table.counts()
	require.Equal(t, int32(1), out)
}

func TestDropLingeringOutboundRequiresTimedOutFlag(t *testing.T) {
	table := newOperationTable()
	entry := &outboundEntry{}
	require.NoError(t, table.enrollOutbound(3, entry))

	require.False(t, table.dropLingeringOutbound(3), "not marked timed out yet")

	entry.timedOut.Store(true)
	require.True(t, table.dropLingeringOutbound(3))

	_, ok := table.popOutbound(3)
	require.False(t, ok)
}

func TestSetOutboundContChAttachesToEnrolledEntry(t *testing.T) {
	table := newOperationTable()
	entry := &outboundEntry{}
	require.NoError(t, table.enrollOutbound(4, entry))

	ch := make(chan *Frame, 1)
	got, ok := table.setOutboundContCh(4, ch)
	require.True(t, ok)
	require.Same(t, entry, got)
	require.Equal(t, ch, entry.contCh)

	_, ok = table.setOutboundContCh(999, ch)
	require.False(t, ok)
}

func TestOperationTableInboundEnrollGetPop(t *testing.T) {
	table := newOperationTable()
	entry := &inboundEntry{}
	require.NoError(t, table.enrollInbound(10, entry))

	got, ok := table.getInbound(10)
	require.True(t, ok)
	require.Same(t, entry, got)

	_, in := table.counts()
	require.Equal(t, int32(1), in)

	require.True(t, table.popInboundIfCurrent(10, entry))
	_, in = table.counts()
	require.Equal(t, int32(0), in)
}

func TestPopInboundIfCurrentRejectsStaleEntry(t *testing.T) {
	table := newOperationTable()
	original := &inboundEntry{}
	require.NoError(t, table.enrollInbound(11, original))

	stale := &inboundEntry{}
	require.False(t, table.popInboundIfCurrent(11, stale), "identity mismatch must not remove the current entry")

	_, ok := table.getInbound(11)
	require.True(t, ok)
}

func TestOutstandingSnapshotsAreIndependentOfLiveTable(t *testing.T) {
	table := newOperationTable()
	require.NoError(t, table.enrollOutbound(1, &outboundEntry{}))
	require.NoError(t, table.enrollOutbound(2, &outboundEntry{}))

	snap := table.outstandingOutbound()
	require.Len(t, snap, 2)

	table.popOutbound(1)
	require.Len(t, snap, 2, "snapshot must not be affected by later mutation")

	out, _ := table.counts()
	require.Equal(t, int32(1), out)
}

func TestClearOutboundAndInboundResetCounts(t *testing.T) {
	table := newOperationTable()
	require.NoError(t, table.enrollOutbound(1, &outboundEntry{}))
	require.NoError(t, table.enrollOutbound(2, &outboundEntry{}))
	require.NoError(t, table.enrollInbound(3, &inboundEntry{}))

	cleared := table.clearOutbound()
	require.Len(t, cleared, 2)

	clearedIn := table.clearInbound()
	require.Len(t, clearedIn, 1)

	out, in := table.counts()
	require.Equal(t, int32(0), out)
	require.Equal(t, int32(0), in)
}
