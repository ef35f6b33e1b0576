package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "factest", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sim", cfg.PLC.Rig.Driver)
	assert.Equal(t, 5*time.Second, cfg.PLC.CallTimeout)
	assert.Equal(t, 0.02, cfg.Test.Tolerance)
	assert.Equal(t, 8, cfg.Test.MaxConcurrent)
	assert.False(t, cfg.Test.Serial)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plc:
  rig:
    driver: modbus
    address: 10.0.0.5:502
    slave_id: 2
test:
  serial: true
  tolerance: 0.05
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "modbus", cfg.PLC.Rig.Driver)
	assert.Equal(t, "10.0.0.5:502", cfg.PLC.Rig.Address)
	assert.Equal(t, byte(2), cfg.PLC.Rig.SlaveID)
	assert.Equal(t, "sim", cfg.PLC.UUT.Driver)
	assert.True(t, cfg.Test.Serial)
	assert.Equal(t, 0.05, cfg.Test.Tolerance)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsDriverWithoutAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plc:
  uut:
    driver: s7
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plc.uut")
}

func TestLoadRejectsBadTolerance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
test:
  tolerance: 1.5
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tolerance")
}
