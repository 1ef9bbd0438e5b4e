package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultIngestURL    = "rtmp://jfk.contribute.live-video.net/app/"
	DefaultOutputFormat = "flv"

	EnvStreamKey  = "STREAM_KEY"
	EnvLogLevel   = "SCREENRELAY_LOG_LEVEL"
	EnvStatusAddr = "SCREENRELAY_STATUS_ADDR"

	dotEnvFile = ".env"
)

var (
	ErrMissingStreamKey    = errors.New("STREAM_KEY is not set")
	ErrUnsupportedPlatform = errors.New("screen capture is not supported on this platform")
)

type Capture struct {
	Format  string            `json:"format"`
	Device  string            `json:"device"`
	Options map[string]string `json:"options"`
}

type Encoder struct {
	BitRate     int64 `json:"bit_rate"`
	TimeBaseNum int   `json:"time_base_num"`
	TimeBaseDen int   `json:"time_base_den"`
	MaxBFrames  int   `json:"max_b_frames"`
}

func (e *Encoder) SetDefaults() {
	if e.BitRate == 0 {
		e.BitRate = 5_000_000 // 5 Mbps
	}

	if e.TimeBaseNum == 0 || e.TimeBaseDen == 0 {
		e.TimeBaseNum, e.TimeBaseDen = 1, 30
	}

	if e.MaxBFrames == 0 {
		e.MaxBFrames = 3
	}
}

// FrameRate is the inverse of the encoder time base.
func (e Encoder) FrameRate() (int, int) {
	return e.TimeBaseDen, e.TimeBaseNum
}

type Config struct {
	StreamKey    string  `json:"-"`
	IngestURL    string  `json:"ingest_url"`
	OutputFormat string  `json:"output_format"`
	Capture      Capture `json:"capture"`
	Encoder      Encoder `json:"encoder"`

	// StatusAddr enables the local status server when non-empty (host:port).
	StatusAddr string `json:"status_addr"`
	LogLevel   string `json:"log_level"`
}

func DefaultConfig() (Config, error) {
	c := Config{}
	if err := c.SetDefaults(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c *Config) SetDefaults() error {
	if c.IngestURL == "" {
		c.IngestURL = DefaultIngestURL
	}

	if c.OutputFormat == "" {
		c.OutputFormat = DefaultOutputFormat
	}

	if c.Capture.Format == "" {
		capture, err := DefaultCapture()
		if err != nil {
			return err
		}
		c.Capture = capture
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Encoder.SetDefaults()

	return nil
}

// Load builds the relay configuration from the environment. A .env file in the
// working directory is read first when present; real environment variables win
// over it.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetDefault(EnvLogLevel, "info")
	v.SetDefault(EnvStatusAddr, "")

	v.AutomaticEnv()
	if err := readDotEnv(v); err != nil {
		return Config{}, err
	}

	key := strings.TrimSpace(v.GetString(EnvStreamKey))
	if key == "" {
		return Config{}, ErrMissingStreamKey
	}

	c := Config{
		StreamKey:  key,
		StatusAddr: v.GetString(EnvStatusAddr),
		LogLevel:   v.GetString(EnvLogLevel),
	}

	if err := c.SetDefaults(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func readDotEnv(v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		if _, err := os.Stat(dotEnvFile); err != nil {
			return nil
		}
		v.SetConfigFile(dotEnvFile)
	}
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", v.ConfigFileUsed())
	}

	return nil
}

func (c Config) RTMPURL() string {
	return c.IngestURL + c.StreamKey
}

// Redacted is RTMPURL with the stream key masked, for logs.
func (c Config) Redacted() string {
	if c.StreamKey == "" {
		return c.IngestURL
	}

	return c.IngestURL + strings.Repeat("*", 8)
}
