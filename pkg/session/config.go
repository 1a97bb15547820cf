package session

import "time"

// Config holds token signing and lifetime settings.
type Config struct {
	Secret        string        `env:"SESSION_SECRET"`
	Issuer        string        `env:"SESSION_ISSUER" envDefault:"gradekit"`
	AccessTTL     time.Duration `env:"SESSION_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"SESSION_REFRESH_TTL" envDefault:"720h"`
	RefreshHeader string        `env:"SESSION_REFRESH_HEADER" envDefault:"X-Refresh-Token"`
	// DegradedGrace caps how long ago an access token may have expired and
	// still be accepted while the registry is unreachable.
	DegradedGrace time.Duration `env:"SESSION_DEGRADED_GRACE" envDefault:"1h"`
}

// DefaultConfig returns the defaults without a secret.
func DefaultConfig() Config {
	return Config{
		Issuer:        "gradekit",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    30 * 24 * time.Hour,
		RefreshHeader: "X-Refresh-Token",
		DegradedGrace: time.Hour,
	}
}
