// Package browser runs the Chrome instance behind the automation session:
// launch, headful relaunch on an Xvfb display, cookie carry-over and
// shutdown. Page-level steps live in page.go.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local one.
	RemoteURL string

	// Bin is the Chrome binary. Empty lets the launcher find or fetch one.
	Bin string

	// Headful starts with a visible window on XvfbDisplay.
	Headful bool

	// XvfbDisplay for headful mode. Default: ":99". Empty Xvfb binary path
	// disables Xvfb and uses the host DISPLAY.
	XvfbDisplay string
	XvfbBin     string

	UserAgent string // Default: desktop Chrome 131 on Windows.
	Locale    string // Default: fr-FR.
	Timezone  string // Default: Europe/Paris.
	Width     int    // Default: 1920.
	Height    int    // Default: 1080.

	// ResourceBlocking lists resource types to drop (images, fonts, media,
	// stylesheets).
	ResourceBlocking []string

	// NavTimeout bounds a single navigation. Default: 30s.
	NavTimeout time.Duration

	// MinDelay and MaxDelay bound the pauses between page actions.
	// Defaults: 800ms and 2.5s.
	MinDelay time.Duration
	MaxDelay time.Duration

	Logger *slog.Logger
}

// DefaultUserAgent is a current desktop Chrome.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

func (c *Config) defaults() {
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.XvfbBin == "" {
		c.XvfbBin = "Xvfb"
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Locale == "" {
		c.Locale = "fr-FR"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Paris"
	}
	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 800 * time.Millisecond
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = 2500 * time.Millisecond
		if c.MaxDelay < c.MinDelay {
			c.MaxDelay = c.MinDelay
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Chrome process.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	headful bool
	closed  bool
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, headful: cfg.Headful}
}

// Start launches Chrome, or connects to the remote instance.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}
	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	return b, nil
}

// Browser returns the current handle, nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

// Headful reports whether the running Chrome has a visible window.
func (m *Manager) Headful() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headful
}

// Relaunch restarts Chrome in the requested mode and carries its cookies
// over, so a login survives the switch.
func (m *Manager) Relaunch(ctx context.Context, headful bool) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.cfg.RemoteURL != "" {
		return nil, fmt.Errorf("browser: cannot change mode of a remote browser")
	}

	var cookies []*proto.NetworkCookie
	if m.browser != nil {
		c, err := m.browser.GetCookies()
		if err != nil {
			m.cfg.Logger.Warn("browser: read cookies before relaunch", "error", err)
		}
		cookies = c
	}
	m.cleanup()

	m.headful = headful
	b, err := m.launch()
	if err != nil {
		return nil, fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b

	if len(cookies) > 0 {
		if err := b.SetCookies(proto.CookiesToParams(cookies)); err != nil {
			m.cfg.Logger.Warn("browser: restore cookies after relaunch", "error", err)
		}
	}
	m.cfg.Logger.Info("browser: relaunched", "headful", headful, "cookies", len(cookies))
	return b, nil
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!m.headful).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", m.cfg.Width, m.cfg.Height)).
			Set("lang", m.cfg.Locale)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if m.headful {
			if err := m.startXvfb(); err != nil {
				return nil, fmt.Errorf("browser: xvfb: %w", err)
			}
			if m.xvfb != nil {
				l = l.Env(append(os.Environ(), "DISPLAY="+m.cfg.XvfbDisplay)...)
			}
		}

		u, err := l.Launch()
		if err != nil {
			m.stopXvfb()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "headful", m.headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		m.cleanupLaunch()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		if m.cfg.RemoteURL == "" {
			m.browser.Close()
		}
		m.browser = nil
	}
	m.cleanupLaunch()
}

func (m *Manager) cleanupLaunch() {
	if m.lnch != nil {
		m.lnch.Kill()
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}
