package ratelimit

import "time"

// Known services. Any other name passed to the limiter is unconstrained.
const (
	ServiceLinkedIn  = "linkedin"
	ServiceRegistry  = "registry"
	ServiceWebSearch = "websearch"
)

// Reasons returned by CheckAllowed. ReasonMinDelay is only reported by
// Exceeded and AwaitReady.
const (
	ReasonCooldown  = "cooldown"
	ReasonPerMinute = "perMinute"
	ReasonPerHour   = "perHour"
	ReasonPerDay    = "perDay"
	ReasonSession   = "session"
	ReasonMinDelay  = "minDelay"
)

// Budget is the request policy of one service. Zero limits are unlimited.
type Budget struct {
	PerMinute int           `yaml:"per_minute" json:"perMinute"`
	PerHour   int           `yaml:"per_hour" json:"perHour"`
	PerDay    int           `yaml:"per_day" json:"perDay"`
	MinDelay  time.Duration `yaml:"min_delay" json:"minDelay"`

	// Cooldown is applied when the hour or day ceiling is reached, and
	// when a usage session exceeds MaxSession.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// MaxSession bounds continuous usage. A session ends after Cooldown
	// without requests. Zero disables session tracking.
	MaxSession time.Duration `yaml:"max_session" json:"maxSession"`
}

// DefaultBudgets returns the stock policy: the scraped network is paced
// like a human operator, the registry and search APIs follow their quotas.
func DefaultBudgets() map[string]Budget {
	return map[string]Budget{
		ServiceLinkedIn: {
			PerMinute:  2,
			PerHour:    25,
			PerDay:     80,
			MinDelay:   30 * time.Second,
			Cooldown:   15 * time.Minute,
			MaxSession: 45 * time.Minute,
		},
		ServiceRegistry: {
			PerMinute: 30,
			PerHour:   500,
			PerDay:    2000,
			MinDelay:  200 * time.Millisecond,
			Cooldown:  time.Hour,
		},
		ServiceWebSearch: {
			PerMinute: 10,
			PerHour:   100,
			PerDay:    100,
			MinDelay:  time.Second,
			Cooldown:  time.Hour,
		},
	}
}

// Merge overlays non-zero fields of override onto b.
func (b Budget) Merge(override Budget) Budget {
	if override.PerMinute != 0 {
		b.PerMinute = override.PerMinute
	}
	if override.PerHour != 0 {
		b.PerHour = override.PerHour
	}
	if override.PerDay != 0 {
		b.PerDay = override.PerDay
	}
	if override.MinDelay != 0 {
		b.MinDelay = override.MinDelay
	}
	if override.Cooldown != 0 {
		b.Cooldown = override.Cooldown
	}
	if override.MaxSession != 0 {
		b.MaxSession = override.MaxSession
	}
	return b
}
