package calc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/providers/calc"
	"github.com/timzifer/beamio/providers/sim"
	"github.com/timzifer/beamio/signal"
)

func inputs(t *testing.T) (*sim.Provider, *calc.Provider) {
	t.Helper()
	p := sim.New()
	p.SetValue("BL01:A", 1.5)
	p.SetValue("BL01:B", 2.0)
	c := calc.New()
	for name, address := range map[string]string{"a": "BL01:A", "b": "BL01:B"} {
		sig := signal.New(p, signal.AccessRead, config.ValueKindNumber)
		require.NoError(t, sig.Connect(context.Background(), address))
		require.NoError(t, c.Bind(name, sig))
	}
	return p, c
}

func TestExpressionReadsInputs(t *testing.T) {
	_, c := inputs(t)
	require.Equal(t, []string{"a", "b"}, c.Inputs())

	sig := signal.New(c, signal.AccessRead, config.ValueKindNumber)
	require.NoError(t, sig.Connect(context.Background(), "a * 2 + b"))
	require.Equal(t, "calc://a * 2 + b", sig.Source())

	v, err := sig.GetValue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5.0, v)

	desc, err := sig.GetDescriptor(context.Background())
	require.NoError(t, err)
	require.Equal(t, "number", desc.Dtype)
}

func TestExpressionCoercedToKind(t *testing.T) {
	_, c := inputs(t)
	sig := signal.New(c, signal.AccessRead, config.ValueKindBool)
	require.NoError(t, sig.Connect(context.Background(), "a > b"))
	v, err := sig.GetValue(context.Background())
	require.NoError(t, err)
	require.Equal(t, false, v)
}

func TestUnknownInputRejected(t *testing.T) {
	_, c := inputs(t)
	sig := signal.New(c, signal.AccessRead, config.ValueKindNumber)
	err := sig.Connect(context.Background(), "a + missing")
	require.Error(t, err)
	require.False(t, sig.Connected())

	require.Error(t, c.Bind("", sig))
	require.Error(t, c.Bind("w", nil))
	require.ErrorIs(t, c.Bind("w", signal.New(sim.New(), signal.AccessWrite, config.ValueKindNumber)), signal.ErrNotReadable)
}

func TestMonitorFollowsInputs(t *testing.T) {
	p, c := inputs(t)
	sig := signal.New(c, signal.AccessRead, config.ValueKindNumber)
	require.NoError(t, sig.Connect(context.Background(), "a + b"))

	var mu sync.Mutex
	var got []any
	h, err := sig.MonitorValue(func(v any) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer h.Close()

	p.SetValue("BL01:A", 10.0)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 12.0
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, 3.5, got[0])
	mu.Unlock()

	require.Equal(t, 1, p.MonitorCount("BL01:A"))
	h.Close()
	require.Equal(t, 0, p.MonitorCount("BL01:A"))
	require.Equal(t, 0, p.MonitorCount("BL01:B"))
}

func TestWorstSeverityWins(t *testing.T) {
	p, c := inputs(t)
	p.SetSeverity("BL01:A", 1)
	p.SetSeverity("BL01:B", 7)
	sig := signal.New(c, signal.AccessRead, config.ValueKindNumber)
	require.NoError(t, sig.Connect(context.Background(), "a - b"))

	r, err := sig.GetReading(context.Background())
	require.NoError(t, err)
	require.Equal(t, signal.SeverityInvalid, r.Severity)
	require.Equal(t, -0.5, r.Value)
}

func TestInputFailureReachesListeners(t *testing.T) {
	p, c := inputs(t)
	sig := signal.New(c, signal.AccessRead, config.ValueKindNumber)
	require.NoError(t, sig.Connect(context.Background(), "a"))

	failed := make(chan error, 1)
	h, err := sig.Monitor(func(signal.Reading) {}, signal.WithErrorHandler(func(err error) {
		failed <- err
	}))
	require.NoError(t, err)
	defer h.Close()

	cause := errors.New("link down")
	p.FailMonitors("BL01:A", cause)
	select {
	case err := <-failed:
		require.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatalf("listener was not notified")
	}
}

func TestCalcIsReadOnly(t *testing.T) {
	_, c := inputs(t)
	sig := signal.New(c, signal.AccessReadWrite, config.ValueKindNumber)
	require.NoError(t, sig.Connect(context.Background(), "a"))
	err := sig.Put(context.Background(), 1.0, true)
	require.ErrorIs(t, err, signal.ErrNotWritable)
}

func TestConnectWaitsForInputs(t *testing.T) {
	p := sim.New()
	a := signal.New(p, signal.AccessRead, config.ValueKindNumber)
	c := calc.New(calc.WithInput("a", a))
	sig := signal.New(c, signal.AccessRead, config.ValueKindNumber)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = a.Connect(context.Background(), "BL01:A")
	}()
	require.NoError(t, sig.Connect(context.Background(), "a + 1"))
	v, err := sig.GetValue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1.0, v)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	never := signal.New(p, signal.AccessRead, config.ValueKindNumber)
	c2 := calc.New(calc.WithInput("n", never))
	late := signal.New(c2, signal.AccessRead, config.ValueKindNumber)
	require.ErrorIs(t, late.Connect(ctx, "n"), context.DeadlineExceeded)
}
