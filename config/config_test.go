package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beamio.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDevices(t *testing.T) {
	path := writeConfig(t, `name: bl01
logging:
  level: debug
connect:
  timeout: 2s
providers:
  default: sim
  sim:
    enabled: true
devices:
  - name: x
    type: motor
    source: sim://BL01-MO-01:X
    sim:
      velocity: 2
      tick: 50ms
  - name: shutter
    source: sim://BL01-PS-01:SHTR
    kind: bool
monitor:
  - shutter
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("expected source %s, got %s", path, cfg.Source)
	}
	if got := cfg.ConnectTimeout(); got != 2*time.Second {
		t.Fatalf("expected 2s timeout, got %s", got)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(cfg.Devices))
	}
	motor, ok := cfg.Device("x")
	require.True(t, ok)
	require.Equal(t, DeviceTypeMotor, motor.Type)
	require.NotNil(t, motor.Sim)
	require.Equal(t, 2.0, motor.Sim.Velocity)
	require.Equal(t, 50*time.Millisecond, motor.Sim.Tick.Duration)

	shutter, ok := cfg.Device("shutter")
	require.True(t, ok)
	require.Equal(t, DeviceTypeSignal, shutter.Type)
	require.Equal(t, "rw", shutter.Access)
	require.Equal(t, ValueKindBool, shutter.Kind)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Parse([]byte("devices: []\n"))
	require.NoError(t, err)
	require.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout())
	require.Equal(t, "readings", cfg.Archive.Measurement)
}

func TestSchemaRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`devices:
  - name: x
    source: sim://X
    colour: blue
`))
	if err == nil {
		t.Fatal("expected schema error")
	}
	if !strings.Contains(err.Error(), "config schema") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchemaRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("connect:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestValidateCrossReferences(t *testing.T) {
	_, err := Parse([]byte(`devices:
  - name: x
    source: sim://X
  - name: x
    source: sim://Y
monitor:
  - missing
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "declared twice")
	require.Contains(t, err.Error(), "unknown device missing")
}

func TestRegisterSchemaNarrowsDocument(t *testing.T) {
	ResetSchemasForTest()
	t.Cleanup(ResetSchemasForTest)

	require.NoError(t, RegisterSchema("sim-only", `devices?: [...{source: =~"^sim://"}]`))
	require.Error(t, RegisterSchema("sim-only", `{}`))

	_, err := Parse([]byte("devices:\n  - name: x\n    source: sim://X\n"))
	require.NoError(t, err)

	_, err = Parse([]byte("devices:\n  - name: x\n    source: mqtt://x\n"))
	require.Error(t, err)
}

func TestRegisterSchemaRejectsInvalidCUE(t *testing.T) {
	ResetSchemasForTest()
	t.Cleanup(ResetSchemasForTest)

	require.Error(t, RegisterSchema("broken", "devices: [..."))
	require.Error(t, RegisterSchema("", "{}"))
}

func TestParseValueKind(t *testing.T) {
	cases := map[string]ValueKind{
		"number":  ValueKindNumber,
		" Bool ":  ValueKindBool,
		"boolean": ValueKindBool,
		"int":     ValueKindInteger,
		"array":   ValueKindArray,
		"":        ValueKindAny,
	}
	for in, want := range cases {
		got, err := ParseValueKind(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %q, got %q", in, want, got)
		}
	}
	if _, err := ParseValueKind("complex"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDurationYAML(t *testing.T) {
	var holder struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1m30s\n"), &holder))
	require.Equal(t, 90*time.Second, holder.D.Duration)

	out, err := yaml.Marshal(holder)
	require.NoError(t, err)
	require.Equal(t, "d: 1m30s\n", string(out))

	require.Error(t, yaml.Unmarshal([]byte("d: nope\n"), &holder))
}
