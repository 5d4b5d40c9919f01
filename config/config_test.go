package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomulp/types"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "DICOMULP", cfg.AETitle)
	assert.Equal(t, 11112, cfg.Port)
	assert.Equal(t, ":11112", cfg.Address())
	assert.Equal(t, "zstd", cfg.Storage.Codec)
	assert.Equal(t, 30*time.Second, cfg.ARTIMTimeout.Duration)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
ae_title = "ARCHIVE"
host = "127.0.0.1"
port = 4242
max_associations = 8
read_timeout = "15s"

[storage]
dir = "/var/lib/dicom"
codec = "lz4"

[log]
level = "debug"
format = "text"

[destinations]
VIEWER = "viewer.local:104"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", cfg.AETitle)
	assert.Equal(t, "127.0.0.1:4242", cfg.Address())
	assert.Equal(t, 8, cfg.MaxAssociations)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout.Duration)
	assert.Equal(t, StorageConfig{Dir: "/var/lib/dicom", Codec: "lz4"}, cfg.Storage)
	assert.Equal(t, "viewer.local:104", cfg.Destinations["VIEWER"])
	// unset keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.ARTIMTimeout.Duration)
	assert.Len(t, cfg.Options(nil), 5)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, `ae_title = "ARCHIVE"`)
	t.Setenv("DICOM_AE_TITLE", "FROM-ENV")
	t.Setenv("DICOM_PORT", "2000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "FROM-ENV", cfg.AETitle)
	assert.Equal(t, 2000, cfg.Port)

	client, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, "FROM-ENV", client.CallingAETitle)
	assert.Equal(t, "localhost:2000", client.Address)

	t.Setenv("DICOM_PORT", "http")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", `ae_title = `},
		{"duration", `read_timeout = "soon"`},
		{"unknown key", `colour = "blue"`},
		{"long AE title", `ae_title = "A-VERY-LONG-AE-TITLE"`},
		{"bad destination", "[destinations]\nVIEWER = \"nowhere\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	path := writeFile(t, `
calling_ae_title = "SCU"
called_ae_title = "PACS"
address = "pacs.local:104"
linger = "1s"
max_async_ops = 4
transfer_syntaxes = ["1.2.840.10008.1.2"]
`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)

	c := cfg.Client(nil)
	assert.Equal(t, "SCU", c.CallingAETitle)
	assert.Equal(t, "PACS", c.CalledAETitle)
	assert.Equal(t, time.Second, c.Linger)
	assert.Equal(t, 4, c.MaxAsyncOps)
	assert.Equal(t, []string{types.ImplicitVRLittleEndian}, c.PreferredTransferSyntaxes)
	assert.Equal(t, 30*time.Second, c.ConnectTimeout)

	_, err = LoadClient(writeFile(t, `address = "no-port"`))
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "remote_addr", "127.0.0.1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"remote_addr":"127.0.0.1"`)

	_, err = LogConfig{Level: "info", Format: "xml"}.Logger(&buf)
	assert.Error(t, err)
	_, err = LogConfig{Level: "loud"}.Logger(&buf)
	assert.Error(t, err)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)
	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}
