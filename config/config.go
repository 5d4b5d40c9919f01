// Package config loads the TOML configuration of the command-line tools.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/caio-sobreiro/dicomulp/client"
	"github.com/caio-sobreiro/dicomulp/engine"
	"github.com/caio-sobreiro/dicomulp/server"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn or error
	Format string `toml:"format"` // json or text
}

// Logger builds a logger writing to w.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
}

// StorageConfig locates the instance store.
type StorageConfig struct {
	Dir   string `toml:"dir"` // empty keeps instances in memory
	Codec string `toml:"codec"`
}

// ServerConfig configures cmd/sample_server.
type ServerConfig struct {
	AETitle         string   `toml:"ae_title"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	StrictCalledAE  bool     `toml:"strict_called_ae"`
	MaxAssociations int      `toml:"max_associations"`
	MaxPDULength    uint32   `toml:"max_pdu_length"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ARTIMTimeout    Duration `toml:"artim_timeout"`
	LogDataPDUs     bool     `toml:"log_data_pdus"`
	LogDatasets     bool     `toml:"log_datasets"`

	Storage StorageConfig `toml:"storage"`
	Log     LogConfig     `toml:"log"`
	// Destinations maps C-MOVE destination AE titles to host:port.
	Destinations map[string]string `toml:"destinations"`
}

// ClientConfig configures cmd/dicomecho.
type ClientConfig struct {
	CallingAETitle   string   `toml:"calling_ae_title"`
	CalledAETitle    string   `toml:"called_ae_title"`
	Address          string   `toml:"address"`
	MaxPDULength     uint32   `toml:"max_pdu_length"`
	MaxAsyncOps      int      `toml:"max_async_ops"`
	ConnectTimeout   Duration `toml:"connect_timeout"`
	ReadTimeout      Duration `toml:"read_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	Linger           Duration `toml:"linger"`
	TransferSyntaxes []string `toml:"transfer_syntaxes"`

	Log LogConfig `toml:"log"`
}

func defaultServer() *ServerConfig {
	return &ServerConfig{
		AETitle:      "DICOMULP",
		Port:         11112,
		MaxPDULength: types.DefaultMaxPDULength,
		ARTIMTimeout: Duration{30 * time.Second},
		Storage:      StorageConfig{Codec: "zstd"},
		Log:          LogConfig{Level: "info", Format: "json"},
		Destinations: make(map[string]string),
	}
}

func defaultClient() *ClientConfig {
	return &ClientConfig{
		CallingAETitle: "DICOMECHO",
		CalledAETitle:  "ANY-SCP",
		Address:        "localhost:11112",
		MaxPDULength:   16384,
		MaxAsyncOps:    1,
		ConnectTimeout: Duration{30 * time.Second},
		ReadTimeout:    Duration{60 * time.Second},
		WriteTimeout:   Duration{60 * time.Second},
		Linger:         Duration{50 * time.Millisecond},
		TransferSyntaxes: []string{
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the server configuration from a TOML file at path (if non-empty), over the
// defaults, and then applies DICOM_AE_TITLE and DICOM_PORT.
func Load(path string) (*ServerConfig, error) {
	cfg := defaultServer()
	if err := decode(path, cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("DICOM_AE_TITLE"); v != "" {
		cfg.AETitle = v
	}
	if v := os.Getenv("DICOM_PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return nil, err
		}
		cfg.Port = port
	}
	return cfg, cfg.validate()
}

// LoadClient reads the client configuration the way Load does. DICOM_AE_TITLE sets the
// calling AE title and DICOM_PORT the port of Address.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := defaultClient()
	if err := decode(path, cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("DICOM_AE_TITLE"); v != "" {
		cfg.CallingAETitle = v
	}
	if v := os.Getenv("DICOM_PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			host = cfg.Address
		}
		cfg.Address = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return cfg, cfg.validate()
}

func decode(path string, cfg any) error {
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse config %s: unknown keys %v", path, undecoded)
	}
	return nil
}

func parsePort(v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("DICOM_PORT: invalid port %q", v)
	}
	return port, nil
}

func validAETitle(ae string) error {
	if ae == "" || len(ae) > 16 {
		return fmt.Errorf("invalid AE title %q", ae)
	}
	return nil
}

func (c *ServerConfig) validate() error {
	if err := validAETitle(c.AETitle); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	for ae, addr := range c.Destinations {
		if err := validAETitle(ae); err != nil {
			return fmt.Errorf("destination: %w", err)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("destination %s: %w", ae, err)
		}
	}
	return nil
}

// Address is the listen address.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Options turns the configuration into server options.
func (c *ServerConfig) Options(logger *slog.Logger) []server.Option {
	opts := engine.DefaultOptions()
	opts.MaxPDULength = c.MaxPDULength
	opts.ARTIMTimeout = c.ARTIMTimeout.Duration
	opts.LogDataPDUs = c.LogDataPDUs
	opts.LogDimseDatasets = c.LogDatasets

	out := []server.Option{
		server.WithLogger(logger),
		server.WithOptions(opts),
		server.WithReadTimeout(c.ReadTimeout.Duration),
		server.WithWriteTimeout(c.WriteTimeout.Duration),
	}
	if c.MaxAssociations > 0 {
		out = append(out, server.WithMaxAssociations(c.MaxAssociations))
	}
	if c.StrictCalledAE {
		out = append(out, server.WithStrictCalledAE())
	}
	return out
}

func (c *ClientConfig) validate() error {
	if err := validAETitle(c.CallingAETitle); err != nil {
		return fmt.Errorf("calling: %w", err)
	}
	if err := validAETitle(c.CalledAETitle); err != nil {
		return fmt.Errorf("called: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	return nil
}

// Client turns the configuration into a client.Config.
func (c *ClientConfig) Client(logger *slog.Logger) client.Config {
	return client.Config{
		CallingAETitle:            c.CallingAETitle,
		CalledAETitle:             c.CalledAETitle,
		MaxPDULength:              c.MaxPDULength,
		ConnectTimeout:            c.ConnectTimeout.Duration,
		ReadTimeout:               c.ReadTimeout.Duration,
		WriteTimeout:              c.WriteTimeout.Duration,
		Logger:                    logger,
		PreferredTransferSyntaxes: c.TransferSyntaxes,
		MaxAsyncOps:               c.MaxAsyncOps,
		Linger:                    c.Linger.Duration,
	}
}
