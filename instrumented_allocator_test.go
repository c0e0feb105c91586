package rawbuf

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-rawbuf/internal/testutils"
)

func TestInstrumentedAllocator(t *testing.T) {
	reg := prometheus.NewRegistry()
	mock := &testutils.MockAllocator{}
	a := NewInstrumentedAllocator(mock, reg, "test")

	b, err := Allocate[uint32](100, Zeroed, a, testConfig())
	require.NoError(t, err)
	require.Equal(t, 400.0, testutil.ToFloat64(a.liveBytes))

	require.NoError(t, b.Grow(100, 1))
	require.Equal(t, 800.0, testutil.ToFloat64(a.liveBytes))

	mock.FailGrow = true
	require.ErrorIs(t, b.Grow(200, 1), ErrAllocation)
	require.Equal(t, 800.0, testutil.ToFloat64(a.liveBytes))

	b.Release()
	require.Zero(t, testutil.ToFloat64(a.liveBytes))

	require.Equal(t, 1.0, testutil.ToFloat64(a.calls.WithLabelValues(opAllocateZeroed)))
	require.Equal(t, 2.0, testutil.ToFloat64(a.calls.WithLabelValues(opGrow)))
	require.Equal(t, 1.0, testutil.ToFloat64(a.failures.WithLabelValues(opGrow)))
	require.Equal(t, 1.0, testutil.ToFloat64(a.calls.WithLabelValues(opDeallocate)))
	require.Zero(t, testutil.ToFloat64(a.calls.WithLabelValues(opAllocate)))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestInstrumentedAllocatorUnregistered(t *testing.T) {
	a := NewInstrumentedAllocator(NewGoAllocator(DefaultGoAllocatorConfig()), nil, "")
	b, err := a.Allocate(Layout{Size: 8, Align: 8})
	require.NoError(t, err)
	a.Deallocate(b, Layout{Size: 8, Align: 8})
	require.Equal(t, 1.0, testutil.ToFloat64(a.calls.WithLabelValues(opAllocate)))
}
