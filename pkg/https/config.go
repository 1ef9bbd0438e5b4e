package https

import "time"

type Config struct {
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	KeepHosting  bool          `json:"keep_hosting"`

	// TrustedNetworks (CIDR) may read the status endpoints besides loopback.
	// Peers in them are also trusted to set X-Forwarded-For.
	TrustedNetworks []string `json:"trusted_networks"`

	RateLimit int `json:"rate_limit"` // requests per minute and client
	BurstSize int `json:"burst_size"`

	// AllowedOrigins lists browser origins allowed to read responses; "*"
	// allows any.
	AllowedOrigins []string `json:"allowed_origins"`
	MaxAge         int      `json:"max_age"` // preflight cache, seconds
}

func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}

	if c.RateLimit == 0 {
		c.RateLimit = 300
	}

	if c.BurstSize == 0 {
		c.BurstSize = 20
	}

	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}

	if c.MaxAge == 0 {
		c.MaxAge = 600
	}
}
