package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
)

type fakeClient struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]bool
	fail      error
	reads     int
	closed    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{registers: make(map[uint16]uint16), coils: make(map[uint16]bool)}
}

func (f *fakeClient) setFailure(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeClient) setRegister(address, value uint16) {
	f.mu.Lock()
	f.registers[address] = value
	f.mu.Unlock()
}

func (f *fakeClient) bits(address uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail != nil {
		return nil, f.fail
	}
	if f.coils[address] {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (f *fakeClient) words(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[2*i:], f.registers[address+i])
	}
	return out, nil
}

func (f *fakeClient) ReadCoils(address, _ uint16) ([]byte, error) { return f.bits(address) }

func (f *fakeClient) ReadDiscreteInputs(address, _ uint16) ([]byte, error) { return f.bits(address) }

func (f *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.words(address, quantity)
}

func (f *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.words(address, quantity)
}

func (f *fakeClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coils[address] = value == 0xFF00
	return nil, nil
}

func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.setRegister(address, value)
	return nil, nil
}

func (f *fakeClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint16(0); i < quantity; i++ {
		f.registers[address+i] = binary.BigEndian.Uint16(value[2*i:])
	}
	return nil, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func newProvider(client *fakeClient, cfg config.ModbusConfig) *Provider {
	return New(cfg, WithClientFactory(func(config.ModbusConfig) (Client, error) {
		return client, nil
	}))
}

func connected(t *testing.T, p *Provider, address string, access signal.Access, kind config.ValueKind) *signal.Signal {
	t.Helper()
	sig := signal.New(p, access, kind)
	require.NoError(t, sig.Connect(context.Background(), address))
	return sig
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("Holding/40/FLOAT32")
	require.NoError(t, err)
	require.Equal(t, Address{Table: Holding, Register: 40, Encoding: Float32}, addr)
	require.Equal(t, "holding/40/float32", addr.String())

	addr, err = ParseAddress("coil/3")
	require.NoError(t, err)
	require.Equal(t, "coil/3", addr.String())
	require.True(t, addr.Writable())

	for _, bad := range []string{"", "holding", "drum/1", "holding/x", "holding/70000", "coil/1/int16", "input/1/int64", "holding/65535/int32"} {
		_, err := ParseAddress(bad)
		require.Error(t, err, bad)
	}
}

func TestReadEncodings(t *testing.T) {
	client := newFakeClient()
	client.setRegister(1, 0xFFFE)
	bits := math.Float32bits(12.5)
	client.setRegister(10, uint16(bits>>16))
	client.setRegister(11, uint16(bits))
	client.setRegister(20, 0x0001)
	client.setRegister(21, 0x0002)
	p := newProvider(client, config.ModbusConfig{})
	ctx := context.Background()

	cases := []struct {
		address string
		kind    config.ValueKind
		want    any
	}{
		{"holding/1", config.ValueKindInteger, int64(0xFFFE)},
		{"holding/1/int16", config.ValueKindInteger, int64(-2)},
		{"input/10/float32", config.ValueKindNumber, 12.5},
		{"holding/20/uint32", config.ValueKindInteger, int64(0x00010002)},
		{"holding/20/int32", config.ValueKindNumber, float64(0x00010002)},
		{"coil/7", config.ValueKindBool, false},
	}
	for _, tc := range cases {
		sig := connected(t, p, tc.address, signal.AccessRead, tc.kind)
		v, err := sig.GetValue(ctx)
		require.NoError(t, err, tc.address)
		require.Equal(t, tc.want, v, tc.address)
	}

	sig := connected(t, p, "input/10/float32", signal.AccessRead, config.ValueKindNumber)
	desc, err := sig.GetDescriptor(ctx)
	require.NoError(t, err)
	require.Equal(t, "modbus://input/10/float32", desc.Source)
	require.Equal(t, "number", desc.Dtype)
}

func TestWritesRoundTrip(t *testing.T) {
	client := newFakeClient()
	p := newProvider(client, config.ModbusConfig{})
	ctx := context.Background()

	reg := connected(t, p, "holding/5/float32", signal.AccessReadWrite, config.ValueKindNumber)
	require.NoError(t, reg.Put(ctx, 3.75, true))
	v, err := reg.GetValue(ctx)
	require.NoError(t, err)
	require.Equal(t, 3.75, v)

	small := connected(t, p, "holding/8/int16", signal.AccessReadWrite, config.ValueKindInteger)
	require.NoError(t, small.Put(ctx, -12, true))
	v, err = small.GetValue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-12), v)
	require.Error(t, small.Put(ctx, 40000, true))

	coil := connected(t, p, "coil/2", signal.AccessReadWrite, config.ValueKindBool)
	require.NoError(t, coil.Put(ctx, true, true))
	v, err = coil.GetValue(ctx)
	require.NoError(t, err)
	require.Equal(t, true, v)

	input := connected(t, p, "input/1", signal.AccessReadWrite, config.ValueKindInteger)
	require.ErrorIs(t, input.Put(ctx, 1, true), signal.ErrNotWritable)
}

func TestMonitorPollsChanges(t *testing.T) {
	client := newFakeClient()
	client.setRegister(3, 1)
	p := newProvider(client, config.ModbusConfig{PollInterval: config.Duration{Duration: 5 * time.Millisecond}})
	sig := connected(t, p, "holding/3", signal.AccessRead, config.ValueKindInteger)

	var mu sync.Mutex
	var got []any
	h, err := sig.MonitorValue(func(v any) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	client.setRegister(3, 2)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []any{int64(1), int64(2)}, got)
	mu.Unlock()

	h.Close()
	client.mu.Lock()
	reads := client.reads
	client.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	client.mu.Lock()
	require.Equal(t, reads, client.reads)
	client.mu.Unlock()
}

func TestRepeatedPollFailuresFailMonitor(t *testing.T) {
	client := newFakeClient()
	p := newProvider(client, config.ModbusConfig{PollInterval: config.Duration{Duration: 2 * time.Millisecond}})
	sig := connected(t, p, "holding/3", signal.AccessRead, config.ValueKindInteger)

	failed := make(chan error, 1)
	h, err := sig.Monitor(func(signal.Reading) {}, signal.WithErrorHandler(func(err error) {
		failed <- err
	}))
	require.NoError(t, err)
	defer h.Close()

	cause := errors.New("gateway busy")
	client.setFailure(cause)
	select {
	case err := <-failed:
		require.ErrorIs(t, err, cause)
		require.ErrorIs(t, err, signal.ErrCacheClosed)
	case <-time.After(time.Second):
		t.Fatal("monitor did not fail")
	}
	client.mu.Lock()
	require.Positive(t, client.closed)
	client.mu.Unlock()
}

func TestConnectFailsOnReadError(t *testing.T) {
	client := newFakeClient()
	client.setFailure(errors.New("illegal data address"))
	p := newProvider(client, config.ModbusConfig{})
	sig := signal.New(p, signal.AccessRead, config.ValueKindInteger)
	require.Error(t, sig.Connect(context.Background(), "holding/1"))

	require.NoError(t, p.Close())
	_, err := p.NewBackend("holding/1", config.ValueKindInteger)
	require.NoError(t, err)
	_, err = p.NewBackend("bogus", config.ValueKindInteger)
	require.Error(t, err)
	closed := signal.New(p, signal.AccessRead, config.ValueKindInteger)
	require.ErrorIs(t, closed.Connect(context.Background(), "holding/1"), ErrClosed)
}

func TestNewTCPClientFactoryRequiresAddress(t *testing.T) {
	factory := NewTCPClientFactory()
	_, err := factory(config.ModbusConfig{})
	require.Error(t, err)
}

func TestNewTCPClientFactoryConnectsAndConfigures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	connected := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(connected)
		conn.Close()
	}()

	factory := NewTCPClientFactory()
	client, err := factory(config.ModbusConfig{Address: ln.Addr().String(), UnitID: 17})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("expected connection to be established")
	}

	tcp, ok := client.(*tcpClient)
	require.True(t, ok)
	require.Equal(t, byte(17), tcp.handler.SlaveId)
	require.Equal(t, defaultTimeout, tcp.handler.Timeout)
}

func TestNewTCPClientFactoryConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewTCPClientFactory()(config.ModbusConfig{Address: addr})
	require.Error(t, err)
}
