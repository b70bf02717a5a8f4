package output

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope"
	"github.com/norasector/pulsescope/pkg/pulsescope/config"
	"github.com/norasector/pulsescope/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *pulsescope.Snapshot {
	return &pulsescope.Snapshot{
		Kind:    pulsescope.QueryAccumulate,
		Rows:    [][]float64{{1, 2}, {3, 4}, {2, 3}},
		Average: []float64{2, 3},
		Sweep:   5,
		Count:   5,
		Time:    time.Unix(0, 1234),
	}
}

func TestEncodeSnapshot(t *testing.T) {
	msg, err := EncodeSnapshot(testSnapshot(), true)
	require.NoError(t, err)

	st, err := DecodeSnapshot(msg)
	require.NoError(t, err)
	fields := st.AsMap()
	assert.Equal(t, "accumulate", fields["kind"])
	assert.Equal(t, 5.0, fields["sweep"])
	assert.Equal(t, []interface{}{2.0, 3.0}, fields["average"])
	rows, ok := fields["rows"].([]interface{})
	require.True(t, ok)
	assert.Len(t, rows, 2)

	small, err := EncodeSnapshot(testSnapshot(), false)
	require.NoError(t, err)
	st, err = DecodeSnapshot(small)
	require.NoError(t, err)
	_, ok = st.AsMap()["rows"]
	assert.False(t, ok)
}

func TestDecodeSnapshotRejectsShortInput(t *testing.T) {
	_, err := DecodeSnapshot([]byte{1})
	assert.Error(t, err)
	_, err = DecodeSnapshot([]byte{10, 0, 1, 2})
	assert.Error(t, err)
}

func TestEncodeSnapshotTooLarge(t *testing.T) {
	snap := testSnapshot()
	snap.Average = make([]float64, 20000)
	_, err := EncodeSnapshot(snap, false)
	assert.Error(t, err)
}

func TestSnapshotUDPOutput(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	out := NewSnapshotUDPOutput([]config.OutputDestination{{Host: "127.0.0.1", Port: port}}, false, &util.MockWriteAPI{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- out.Start(ctx) }()

	out.Receive() <- testSnapshot()

	buf := make([]byte, maxDatagram+2)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	st, err := DecodeSnapshot(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, 5.0, st.AsMap()["count"])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSnapshotDB(t *testing.T) {
	db, err := NewSnapshotDB(filepath.Join(t.TempDir(), "snapshots.db"), "run-1")
	require.NoError(t, err)

	_, _, err = db.LatestAverage()
	assert.Error(t, err)

	require.NoError(t, db.Record(testSnapshot()))
	later := testSnapshot()
	later.Sweep = 6
	later.Average = []float64{4, 5}
	require.NoError(t, db.Record(later))

	sweep, avg, err := db.LatestAverage()
	require.NoError(t, err)
	assert.Equal(t, 6, sweep)
	assert.Equal(t, []float64{4, 5}, avg)

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE run_id = ?`, "run-1").Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestSnapshotDBStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	db, err := NewSnapshotDB(path, "run-2")
	require.NoError(t, err)

	reader, err := NewSnapshotDB(path, "run-2")
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- db.Start(ctx) }()
	db.Receive() <- testSnapshot()
	require.Eventually(t, func() bool {
		sweep, _, err := reader.LatestAverage()
		return err == nil && sweep == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
