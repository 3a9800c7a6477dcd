package budget

import "time"

// Config selects the blast-radius counter backend.
type Config struct {
	Backend string      `yaml:"backend" validate:"omitempty,oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the shared Redis counter.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TLSEnabled  bool          `yaml:"tls_enabled"`
	// HolderTTL bounds how long a slot outlives a replica that crashed while
	// holding it. Default 1h.
	HolderTTL time.Duration `yaml:"holder_ttl"`
}
