package procstat

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modoterra/nodelog/pkg/core"
)

func TestReadSelf(t *testing.T) {
	r := New()
	s, err := r.Read(os.Getpid())
	require.NoError(t, err)
	require.NotZero(t, s.MemBytes)

	_, err = r.Read(os.Getpid())
	require.NoError(t, err)
	require.Len(t, r.procs, 1)
}

func TestUptime(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	require.Equal(t, uint64(90), uptime(now.Add(-90*time.Second).UnixMilli(), now))
	require.Equal(t, uint64(1), uptime(now.Add(-1999*time.Millisecond).UnixMilli(), now))
	require.Zero(t, uptime(now.UnixMilli(), now))
	require.Zero(t, uptime(now.Add(time.Hour).UnixMilli(), now))
}

func TestFillUptime(t *testing.T) {
	r := New()
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	info := core.WorkerInfo{PID: os.Getpid(), Status: core.StatusStarted}
	r.Fill(&info)
	require.GreaterOrEqual(t, info.UptimeSec, uint64(3600))

	r.now = func() time.Time { return time.Unix(0, 0) }
	r.Fill(&info)
	require.Zero(t, info.UptimeSec)
}

func TestFillSkipsExited(t *testing.T) {
	r := New()
	info := core.WorkerInfo{PID: os.Getpid(), Status: core.StatusExited}
	r.Fill(&info)
	require.Zero(t, info.MemBytes)

	info.Status = core.StatusStarted
	r.Fill(&info)
	require.NotZero(t, info.MemBytes)
}

func TestRetain(t *testing.T) {
	r := New()
	_, err := r.Read(os.Getpid())
	require.NoError(t, err)

	r.Retain([]int{os.Getpid()})
	require.Len(t, r.procs, 1)
	r.Retain(nil)
	require.Empty(t, r.procs)
}
