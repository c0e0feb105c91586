package rawbuf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	opAllocate       = "allocate"
	opAllocateZeroed = "allocate_zeroed"
	opGrow           = "grow"
	opDeallocate     = "deallocate"
)

// InstrumentedAllocator wraps an Allocator and records Prometheus metrics for
// every operation: the number of calls and failures per operation, and the
// number of bytes currently allocated through it.
type InstrumentedAllocator[A Allocator] struct {
	inner     A
	calls     *prometheus.CounterVec
	failures  *prometheus.CounterVec
	liveBytes prometheus.Gauge
}

// NewInstrumentedAllocator creates an InstrumentedAllocator around inner and
// registers its metrics with reg under the given namespace. A nil reg creates
// the metrics without registering them. It panics if registration fails.
func NewInstrumentedAllocator[A Allocator](inner A, reg prometheus.Registerer, namespace string) *InstrumentedAllocator[A] {
	factory := promauto.With(reg)
	return &InstrumentedAllocator[A]{
		inner: inner,
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocator",
			Name:      "operations_total",
			Help:      "Number of allocator operations.",
		}, []string{"op"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocator",
			Name:      "failures_total",
			Help:      "Number of failed allocator operations.",
		}, []string{"op"}),
		liveBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "allocator",
			Name:      "live_bytes",
			Help:      "Bytes currently allocated and not yet deallocated.",
		}),
	}
}

func (a *InstrumentedAllocator[A]) observe(op string, err error) {
	a.calls.WithLabelValues(op).Inc()
	if err != nil {
		a.failures.WithLabelValues(op).Inc()
	}
}

// Allocate implements Allocator.
func (a *InstrumentedAllocator[A]) Allocate(l Layout) ([]byte, error) {
	b, err := a.inner.Allocate(l)
	a.observe(opAllocate, err)
	if err == nil {
		a.liveBytes.Add(float64(l.Size))
	}
	return b, err
}

// AllocateZeroed implements Allocator.
func (a *InstrumentedAllocator[A]) AllocateZeroed(l Layout) ([]byte, error) {
	b, err := a.inner.AllocateZeroed(l)
	a.observe(opAllocateZeroed, err)
	if err == nil {
		a.liveBytes.Add(float64(l.Size))
	}
	return b, err
}

// Grow implements Allocator.
func (a *InstrumentedAllocator[A]) Grow(b []byte, old, new Layout) ([]byte, error) {
	nb, err := a.inner.Grow(b, old, new)
	a.observe(opGrow, err)
	if err == nil {
		a.liveBytes.Add(float64(new.Size - old.Size))
	}
	return nb, err
}

// Deallocate implements Allocator.
func (a *InstrumentedAllocator[A]) Deallocate(b []byte, l Layout) {
	a.inner.Deallocate(b, l)
	a.observe(opDeallocate, nil)
	a.liveBytes.Sub(float64(l.Size))
}

var (
	_ Allocator = (*InstrumentedAllocator[*GoAllocator])(nil)
	_ Allocator = (*CheckedAllocator[*GoAllocator])(nil)
)
