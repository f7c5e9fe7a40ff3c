package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/timzifer/beamio/config"
)

type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) cb(rd Reading) {
	r.mu.Lock()
	r.values = append(r.values, rd.Value)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return nil
	}
	return r.values[len(r.values)-1]
}

func connected(t *testing.T, p *fakeProvider, address string, access Access) *Signal {
	t.Helper()
	sig := New(p, access, config.ValueKindNumber)
	require.NoError(t, sig.Connect(context.Background(), address))
	return sig
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestMonitorSharesSingleUpstream(t *testing.T) {
	p := newFakeProvider()
	p.values["X"] = 1.5
	sig := connected(t, p, "X", AccessRead)

	const observers = 8
	recorders := make([]*recorder, observers)
	handles := make([]Monitor, observers)
	for i := range recorders {
		recorders[i] = &recorder{}
		h, err := sig.Monitor(recorders[i].cb)
		require.NoError(t, err)
		handles[i] = h
	}
	require.Equal(t, 1, p.count(p.opened, "X"))
	require.Equal(t, observers, sig.Listeners())

	for _, rec := range recorders {
		waitFor(t, func() bool { return rec.last() == 1.5 })
	}

	p.set("X", 2.5)
	for _, rec := range recorders {
		waitFor(t, func() bool { return rec.last() == 2.5 })
		require.Equal(t, []any{1.5, 2.5}, rec.snapshot())
	}
	for _, h := range handles {
		h.Close()
	}
	require.Equal(t, 1, p.count(p.opened, "X"))
	require.Equal(t, 1, p.count(p.closed, "X"))
}

func TestLateJoinerReceivesCurrentValueImmediately(t *testing.T) {
	p := newFakeProvider()
	p.values["X"] = 1.0
	sig := connected(t, p, "X", AccessRead)

	first := &recorder{}
	h1, err := sig.Monitor(first.cb)
	require.NoError(t, err)
	defer h1.Close()
	p.set("X", 2.0)
	waitFor(t, func() bool { return first.last() == 2.0 })

	late := &recorder{}
	h2, err := sig.Monitor(late.cb)
	require.NoError(t, err)
	defer h2.Close()
	require.Equal(t, []any{2.0}, late.snapshot())

	p.set("X", 3.0)
	waitFor(t, func() bool { return late.last() == 3.0 })
	require.Equal(t, []any{2.0, 3.0}, late.snapshot())
}

func TestTeardownClosesUpstreamExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	sig := connected(t, p, "X", AccessRead)

	h1, err := sig.Monitor(func(Reading) {})
	require.NoError(t, err)
	h2, err := sig.Monitor(func(Reading) {})
	require.NoError(t, err)
	require.True(t, sig.Cached())

	h1.Close()
	require.Equal(t, 0, p.count(p.closed, "X"))
	require.True(t, sig.Cached())

	h2.Close()
	h2.Close()
	h1.Close()
	require.Equal(t, 1, p.count(p.closed, "X"))
	require.False(t, sig.Cached())
	require.Equal(t, 0, sig.Listeners())

	h3, err := sig.Monitor(func(Reading) {})
	require.NoError(t, err)
	require.Equal(t, 2, p.count(p.opened, "X"))
	h3.Close()
	require.Equal(t, 2, p.count(p.closed, "X"))
}

func TestDeliveryFollowsRegistrationOrder(t *testing.T) {
	p := newFakeProvider()
	sig := connected(t, p, "X", AccessRead)

	var mu sync.Mutex
	var order []int
	var handles []Monitor
	for i := 0; i < 3; i++ {
		id := i
		h, err := sig.Monitor(func(r Reading) {
			if r.Value == 7.0 {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			}
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	p.set("X", 7.0)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	require.Equal(t, []int{0, 1, 2}, order)
	for _, h := range handles {
		h.Close()
	}
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	p := newFakeProvider()
	sig := connected(t, p, "X", AccessRead)

	bad, err := sig.Monitor(func(Reading) { panic("listener bug") })
	require.NoError(t, err)
	defer bad.Close()
	good := &recorder{}
	h, err := sig.Monitor(good.cb)
	require.NoError(t, err)
	defer h.Close()

	p.set("X", 4.0)
	waitFor(t, func() bool { return good.last() == 4.0 })
}

func TestListenerMayCloseItselfDuringDelivery(t *testing.T) {
	p := newFakeProvider()
	sig := connected(t, p, "X", AccessRead)

	var self Monitor
	var selfMu sync.Mutex
	calls := 0
	h, err := sig.Monitor(func(Reading) {
		selfMu.Lock()
		defer selfMu.Unlock()
		calls++
		if self != nil {
			self.Close()
		}
	})
	require.NoError(t, err)
	selfMu.Lock()
	self = h
	selfMu.Unlock()

	other := &recorder{}
	h2, err := sig.Monitor(other.cb)
	require.NoError(t, err)
	defer h2.Close()

	p.set("X", 1.0)
	waitFor(t, func() bool { return other.last() == 1.0 })
	p.set("X", 2.0)
	waitFor(t, func() bool { return other.last() == 2.0 })

	selfMu.Lock()
	defer selfMu.Unlock()
	require.LessOrEqual(t, calls, 2)
	require.Equal(t, 1, sig.Listeners())
}

func TestGetReadingServedFromCache(t *testing.T) {
	p := newFakeProvider()
	p.values["X"] = 3.0
	sig := connected(t, p, "X", AccessRead)

	h, err := sig.Monitor(func(Reading) {})
	require.NoError(t, err)

	v, err := sig.GetValue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3.0, v)
	require.Equal(t, 0, p.count(p.reads, "X"))

	p.set("X", 4.0)
	waitFor(t, func() bool {
		v, err := sig.GetValue(context.Background())
		return err == nil && v == 4.0
	})
	require.Equal(t, 0, p.count(p.reads, "X"))

	h.Close()
	v, err = sig.GetValue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4.0, v)
	require.Equal(t, 1, p.count(p.reads, "X"))
}

func TestDescriptorFetchedOncePerCache(t *testing.T) {
	p := newFakeProvider()
	p.values["X"] = []float64{1, 2, 3}
	sig := connected(t, p, "X", AccessRead)

	h, err := sig.Monitor(func(Reading) {})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		desc, err := sig.GetDescriptor(context.Background())
		require.NoError(t, err)
		require.Equal(t, "array", desc.Dtype)
		require.Equal(t, []int{3}, desc.Shape)
	}
	require.Equal(t, 1, p.count(p.descriptors, "X"))
	h.Close()

	h, err = sig.Monitor(func(Reading) {})
	require.NoError(t, err)
	defer h.Close()
	_, err = sig.GetDescriptor(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, p.count(p.descriptors, "X"))
}

func TestUpstreamFailureNotifiesListeners(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	sig := connected(t, p, "X", AccessRead)

	errs := make(chan error, 2)
	h1, err := sig.Monitor(func(Reading) {}, WithErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)
	h2, err := sig.Monitor(func(Reading) {}, WithErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)

	cause := errors.New("channel disconnected")
	p.failMonitors("X", cause)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrCacheClosed)
			require.ErrorIs(t, err, cause)
		case <-time.After(2 * time.Second):
			t.Fatal("listener not notified of cache failure")
		}
	}
	require.False(t, sig.Cached())
	require.Equal(t, 1, p.count(p.closed, "X"))

	h1.Close()
	h2.Close()
	require.Equal(t, 1, p.count(p.closed, "X"))

	h3, err := sig.Monitor(func(Reading) {})
	require.NoError(t, err)
	require.Equal(t, 2, p.count(p.opened, "X"))
	h3.Close()
}

func TestObserveStartsWithCurrentValue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	p.values["X"] = 10.0
	sig := connected(t, p, "X", AccessRead)

	ctx, cancel := context.WithCancel(context.Background())
	readings, err := sig.Observe(ctx)
	require.NoError(t, err)

	first := <-readings
	require.Equal(t, 10.0, first.Value)

	p.set("X", 11.0)
	second := <-readings
	require.Equal(t, 11.0, second.Value)

	cancel()
	for range readings {
	}
	waitFor(t, func() bool { return !sig.Cached() })
}

func TestObserveEndsWhenCacheDies(t *testing.T) {
	p := newFakeProvider()
	sig := connected(t, p, "X", AccessRead)

	readings, err := sig.Observe(context.Background())
	require.NoError(t, err)
	<-readings
	p.failMonitors("X", errors.New("gone"))

	select {
	case _, ok := <-readings:
		for ok {
			_, ok = <-readings
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observe sequence did not end")
	}
}
