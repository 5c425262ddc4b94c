package linkedin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/linkedin/internal/browser"
	"github.com/hazyhaar/leadscout/linkedin/internal/parse"
)

// BrowserConfig configures the Chrome-backed driver. Zero values take the
// browser package defaults.
type BrowserConfig struct {
	RemoteURL        string        `yaml:"remote_url"`
	Bin              string        `yaml:"bin"`
	Headful          bool          `yaml:"headful"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
	UserAgent        string        `yaml:"user_agent"`
	Locale           string        `yaml:"locale"`
	Timezone         string        `yaml:"timezone"`
	Width            int           `yaml:"width"`
	Height           int           `yaml:"height"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavTimeout       time.Duration `yaml:"nav_timeout"`
	MinDelay         time.Duration `yaml:"min_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`

	Logger *slog.Logger `yaml:"-"`
}

// RodDriverFactory builds Drivers on a Chrome instance driven through rod.
// Each Driver owns its own browser process.
func RodDriverFactory(cfg BrowserConfig) DriverFactory {
	return func(ctx context.Context) (Driver, error) {
		log := cfg.Logger
		if log == nil {
			log = slog.Default()
		}
		mgr := browser.NewManager(browser.Config{
			RemoteURL:        cfg.RemoteURL,
			Bin:              cfg.Bin,
			Headful:          cfg.Headful,
			XvfbDisplay:      cfg.XvfbDisplay,
			UserAgent:        cfg.UserAgent,
			Locale:           cfg.Locale,
			Timezone:         cfg.Timezone,
			Width:            cfg.Width,
			Height:           cfg.Height,
			ResourceBlocking: cfg.ResourceBlocking,
			NavTimeout:       cfg.NavTimeout,
			MinDelay:         cfg.MinDelay,
			MaxDelay:         cfg.MaxDelay,
			Logger:           log,
		})
		if _, err := mgr.Start(ctx); err != nil {
			mgr.Close()
			return nil, err
		}
		return &rodDriver{s: browser.NewSession(mgr), log: log}, nil
	}
}

type rodDriver struct {
	s   *browser.Session
	log *slog.Logger
}

func outcomeOf(l browser.Landing) Outcome {
	switch l {
	case browser.LandingLoggedIn:
		return OutcomeAccepted
	case browser.LandingPin:
		return OutcomeNeedsCode
	case browser.LandingCheckpoint, browser.LandingUnknown:
		return OutcomeChallenge
	}
	return OutcomeRejected
}

func (d *rodDriver) LoginWithCookie(ctx context.Context, cookie string) (Outcome, error) {
	l, err := d.s.LoginWithCookie(ctx, cookie)
	if err != nil {
		return OutcomeRejected, err
	}
	o := outcomeOf(l)
	if o == OutcomeNeedsCode {
		// A cookie login has no code to give; only a human can pass it.
		o = OutcomeChallenge
	}
	return o, nil
}

func (d *rodDriver) LoginWithCredentials(ctx context.Context, email, password string) (Outcome, error) {
	l, err := d.s.Login(ctx, email, password)
	if err != nil {
		return OutcomeRejected, err
	}
	return outcomeOf(l), nil
}

func (d *rodDriver) SubmitCode(ctx context.Context, code string) (Outcome, error) {
	l, err := d.s.SubmitCode(ctx, code)
	if err != nil {
		return OutcomeRejected, err
	}
	if l == browser.LandingPin {
		// Still on the code page: the code was refused.
		return OutcomeRejected, nil
	}
	return outcomeOf(l), nil
}

func (d *rodDriver) OpenLoginSurface(ctx context.Context) error {
	return d.s.OpenLogin(ctx)
}

func (d *rodDriver) Validate(ctx context.Context) (bool, error) {
	return d.s.LoggedIn(ctx)
}

func (d *rodDriver) SearchPeople(ctx context.Context, query string, limit int) ([]contact.Contact, error) {
	page, landing, err := d.s.SearchPage(ctx, query)
	if err != nil {
		return nil, err
	}
	if landing != browser.LandingLoggedIn {
		return nil, fmt.Errorf("%w: search landed on %s", ErrChallenge, landing)
	}
	found, layout, err := parse.People(strings.NewReader(page), limit)
	if err != nil {
		return nil, err
	}
	d.log.Info("linkedin: search parsed", "query", query, "layout", layout, "found", len(found))
	return found, nil
}

func (d *rodDriver) Close() error {
	return d.s.Close()
}
