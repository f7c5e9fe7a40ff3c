package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/connect"
	"github.com/timzifer/beamio/providers/sim"
	"github.com/timzifer/beamio/signal"
)

var stageTable = MustDefine(
	RW("Position", config.ValueKindNumber).At(".VAL").ReadAt(".RBV"),
	RO("units", config.ValueKindString).At(".EGU"),
	RW("velocity", config.ValueKindNumber),
	X("stop").At(".STOP"),
)

func buildDevice(t *testing.T, p *sim.Provider, source string, table *Table, opts ...Option) (*Device, *connect.Report) {
	t.Helper()
	var dev *Device
	report, err := connect.Do(context.Background(), func(c *connect.Collector) error {
		var err error
		dev, err = New(c, source, table, opts...)
		return err
	}, connect.WithProvider(p), connect.WithTimeout(time.Second))
	require.NoError(t, err)
	return dev, report
}

func TestDeviceAddressesAndConnect(t *testing.T) {
	p := sim.New()
	p.SetValue("BL01:X.RBV", 1.25)
	p.SetValue("BL01:X.EGU", "mm")

	dev, report := buildDevice(t, p, "sim://BL01:X", stageTable, WithName("x"))
	require.True(t, report.OK())
	require.Equal(t, []string{"x"}, report.Connected)
	require.True(t, dev.Connected())
	require.Equal(t, "sim", dev.Transport())

	addr, ok := dev.Address("Position")
	require.True(t, ok)
	require.Equal(t, Addresses{Write: "BL01:X.VAL", Read: "BL01:X.RBV"}, addr)
	addr, _ = dev.Address("velocity")
	require.Equal(t, Addresses{Write: "BL01:Xvelocity", Read: "BL01:Xvelocity"}, addr)

	ctx := context.Background()
	v, err := dev.Signal("Position").GetValue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1.25, v)
	require.Equal(t, "sim://BL01:X.RBV", dev.Signal("Position").Source())

	require.NoError(t, dev.Signal("stop").Execute(ctx))
	require.Equal(t, int64(1), p.Value("BL01:X.STOP"))
	require.Nil(t, dev.Signal("missing"))
}

func TestDeviceUsesDefaultProviderForBareSource(t *testing.T) {
	dev, report := buildDevice(t, sim.New(), "BL02:Y", stageTable)
	require.True(t, report.OK())
	require.Equal(t, "BL02:Y", dev.String())
	require.Equal(t, "sim://BL02:Y.EGU", dev.Signal("units").Source())
}

func TestDeviceFailedFieldsReported(t *testing.T) {
	p := sim.New(sim.WithConnectHook(func(_ context.Context, address string) error {
		if address == "BL01:X.EGU" {
			return errors.New("channel not found")
		}
		return nil
	}))
	dev, report := buildDevice(t, p, "sim://BL01:X", stageTable, WithName("x"))
	require.Equal(t, []string{"x"}, report.FailedTargets())
	require.Contains(t, report.Failures[0].Err.Error(), "units")
	require.False(t, dev.Connected())
	require.True(t, dev.Signal("Position").Connected())
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	c, err := connect.Open(connect.WithProvider(sim.New()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, err = New(c, "ca://BL01:X", stageTable)
	require.ErrorIs(t, err, connect.ErrUnknownTransport)
	require.Equal(t, 0, c.Pending())
}

func TestCollectionReadDescribeAndCaching(t *testing.T) {
	p := sim.New()
	p.SetValue("BL01:X.RBV", 2.0)
	p.SetValue("BL01:X.EGU", "mm")
	dev, _ := buildDevice(t, p, "sim://BL01:X", stageTable, WithName("x"))

	coll, err := dev.Collection("Position", "units")
	require.NoError(t, err)
	require.Equal(t, []string{"Position", "units"}, coll.Keys())
	ctx := context.Background()

	readings, err := coll.Read(ctx, "x-")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	require.Equal(t, 2.0, readings["x-Position"].Value)
	require.Equal(t, "mm", readings["x-units"].Value)

	descs, err := coll.Describe(ctx, "x-")
	require.NoError(t, err)
	require.Equal(t, "string", descs["x-units"].Dtype)
	require.Equal(t, "sim://BL01:X.RBV", descs["x-Position"].Source)

	require.NoError(t, coll.Stage())
	require.True(t, coll.Caching())
	require.ErrorIs(t, coll.SetCaching(true), ErrAlreadyCaching)
	require.Equal(t, 1, p.MonitorCount("BL01:X.RBV"))
	require.True(t, dev.Signal("Position").Cached())

	p.SetValue("BL01:X.RBV", 3.0)
	require.Eventually(t, func() bool {
		r, err := coll.Read(ctx, "")
		return err == nil && r["Position"].Value == 3.0
	}, time.Second, time.Millisecond)

	require.NoError(t, coll.Unstage())
	require.False(t, coll.Caching())
	require.Equal(t, 0, p.MonitorCount("BL01:X.RBV"))
	coll.Close()
}

func TestCollectionCachingEndsWhenACacheDies(t *testing.T) {
	p := sim.New()
	p.SetValue("BL01:X.RBV", 2.0)
	p.SetValue("BL01:X.EGU", "mm")
	dev, _ := buildDevice(t, p, "sim://BL01:X", stageTable)
	coll, err := dev.Collection("Position", "units")
	require.NoError(t, err)

	require.NoError(t, coll.Stage())
	require.True(t, coll.Caching())
	p.FailMonitors("BL01:X.RBV", errors.New("channel disconnected"))

	require.Eventually(t, func() bool { return !coll.Caching() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return p.MonitorCount("BL01:X.EGU") == 0 && !dev.Signal("units").Cached()
	}, time.Second, time.Millisecond)

	require.NoError(t, coll.Stage())
	require.True(t, coll.Caching())
	require.Equal(t, 1, p.MonitorCount("BL01:X.RBV"))
	coll.Close()
}

func TestCollectionDefaultsToReadableFields(t *testing.T) {
	dev, _ := buildDevice(t, sim.New(), "sim://BL01:X", stageTable)
	coll, err := dev.Collection()
	require.NoError(t, err)
	require.Equal(t, []string{"Position", "units", "velocity"}, coll.Keys())

	_, err = dev.Collection("nope")
	require.Error(t, err)
}

func TestCollectionReadFailsOnDisconnectedSignal(t *testing.T) {
	sig := signal.New(sim.New(), signal.AccessRead, config.ValueKindNumber)
	coll := NewCollection(map[string]*signal.Signal{"a": sig})
	_, err := coll.Read(context.Background(), "dev-")
	require.ErrorIs(t, err, signal.ErrNotConnected)
	require.Contains(t, err.Error(), "dev-a")
	require.Error(t, coll.SetCaching(true))
	require.False(t, coll.Caching())
}

func TestTableExtendOverridesByName(t *testing.T) {
	base := MustDefine(
		RO("readback", config.ValueKindNumber).At(".RBV"),
		RO("egu", config.ValueKindString).At(".EGU"),
	)
	derived, err := base.Extend(
		RW("egu", config.ValueKindString).At(".EGU"),
		RO("offset", config.ValueKindNumber).At(".OFF"),
	)
	require.NoError(t, err)

	require.Equal(t, 2, base.Len())
	f, _ := base.Field("egu")
	require.Equal(t, signal.AccessRead, f.Access)

	require.Equal(t, 3, derived.Len())
	f, _ = derived.Field("egu")
	require.Equal(t, signal.AccessReadWrite, f.Access)
	names := []string{}
	for _, f := range derived.Fields() {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"readback", "egu", "offset"}, names)

	_, err = Define(RO("a", config.ValueKindNumber), RO("a", config.ValueKindNumber))
	require.Error(t, err)
	_, err = base.Extend(RO("", config.ValueKindNumber))
	require.Error(t, err)
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"DoneMove":          "done_move",
		"acceleration_time": "acceleration_time",
		"maxVelocity":       "max_velocity",
		"HTTPServer":        "http_server",
		"Axis2Speed":        "axis2_speed",
	}
	for in, want := range cases {
		require.Equal(t, want, SnakeCase(in), in)
	}
}

func TestNameAll(t *testing.T) {
	dev1, _ := buildDevice(t, sim.New(), "sim://A", stageTable)
	dev2, _ := buildDevice(t, sim.New(), "sim://B", stageTable, WithName("keep"))

	applied := NameAll(map[string]Nameable{"t1x": dev1, "t1y": dev2})
	require.Equal(t, []string{"t1x"}, applied)
	require.Equal(t, "t1x", dev1.Name())
	require.Equal(t, "keep", dev2.Name())

	require.Equal(t, "renamed", Named(dev2, "renamed").Name())
	require.Equal(t, "renamed", Named(dev2, "").Name())
}

func TestSignalDevice(t *testing.T) {
	p := sim.New()
	sig := signal.New(p, signal.AccessReadWrite, config.ValueKindNumber)
	require.NoError(t, sig.Connect(context.Background(), "BL01:SHTR"))
	dev := NewSignalDevice(sig, FieldName("shutter", "pos"), zerolog.Nop())
	require.Equal(t, "shutter-pos", dev.Name())
	ctx := context.Background()

	st := dev.Set(ctx, 1.0)
	require.NoError(t, st.Wait(ctx))
	require.True(t, st.Success())

	readings, err := dev.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, 1.0, readings["shutter-pos"].Value)

	descs, err := dev.Describe(ctx)
	require.NoError(t, err)
	require.Equal(t, "number", descs["shutter-pos"].Dtype)

	var mu sync.Mutex
	var got []any
	id, err := dev.Subscribe(func(m map[string]signal.Reading) {
		mu.Lock()
		got = append(got, m["shutter-pos"].Value)
		mu.Unlock()
	})
	require.NoError(t, err)
	p.SetValue("BL01:SHTR", 0.0)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []any{1.0, 0.0}, got)
	mu.Unlock()

	dev.ClearSub(id)
	dev.ClearSub(id)
	require.Equal(t, 0, p.MonitorCount("BL01:SHTR"))
	require.Equal(t, "x", FieldName("", "x"))
}
