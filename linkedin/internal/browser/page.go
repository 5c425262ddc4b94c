package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrNoElement is returned when none of the expected form fields appear.
var ErrNoElement = errors.New("browser: expected element not found")

// Session drives the single tab used for the account. It is not safe for
// concurrent use, except for Close.
type Session struct {
	mgr    *Manager
	cfg    Config
	page   *rod.Page
	router *rod.HijackRouter
}

// NewSession wraps mgr. Chrome starts on the first call that needs it.
func NewSession(mgr *Manager) *Session {
	return &Session{mgr: mgr, cfg: mgr.cfg}
}

// LoginWithCookie injects the session cookie and opens the feed.
func (s *Session) LoginWithCookie(ctx context.Context, cookie string) (Landing, error) {
	page, err := s.ensurePage(ctx)
	if err != nil {
		return LandingUnknown, err
	}
	err = s.mgr.Browser().SetCookies([]*proto.NetworkCookieParam{{
		Name:     CookieName,
		Value:    cookie,
		Domain:   CookieDomain,
		Path:     "/",
		Secure:   true,
		HTTPOnly: true,
	}})
	if err != nil {
		return LandingUnknown, fmt.Errorf("browser: set cookie: %w", err)
	}
	if _, err := s.navigate(ctx, page, FeedURL); err != nil {
		return LandingUnknown, err
	}
	s.pause(ctx)
	return s.landing(ctx, page)
}

// Login fills the login form.
func (s *Session) Login(ctx context.Context, email, password string) (Landing, error) {
	page, err := s.ensurePage(ctx)
	if err != nil {
		return LandingUnknown, err
	}
	u, err := s.navigate(ctx, page, LoginURL)
	if err != nil {
		return LandingUnknown, err
	}
	if Classify(u, false) == LandingLoggedIn {
		return LandingLoggedIn, nil
	}
	s.pause(ctx)

	if err := s.fill(ctx, page, "#username", email); err != nil {
		return LandingUnknown, err
	}
	s.pause(ctx)
	if err := s.fill(ctx, page, "#password", password); err != nil {
		return LandingUnknown, err
	}
	s.pause(ctx)
	if err := s.submit(ctx, page, `button[type="submit"]`); err != nil {
		return LandingUnknown, err
	}
	s.pause(ctx)
	return s.landing(ctx, page)
}

// SubmitCode enters the emailed code on the checkpoint page.
func (s *Session) SubmitCode(ctx context.Context, code string) (Landing, error) {
	page, err := s.ensurePage(ctx)
	if err != nil {
		return LandingUnknown, err
	}
	var filled bool
	for _, sel := range PinSelectors {
		if ok, _, _ := page.Context(ctx).Has(sel); ok {
			if err := s.fill(ctx, page, sel, code); err != nil {
				return LandingUnknown, err
			}
			filled = true
			break
		}
	}
	if !filled {
		return LandingUnknown, fmt.Errorf("%w: verification code input", ErrNoElement)
	}
	s.pause(ctx)

	btn := "#email-pin-submit-button"
	if ok, _, _ := page.Context(ctx).Has(btn); !ok {
		btn = `button[type="submit"]`
	}
	if err := s.submit(ctx, page, btn); err != nil {
		return LandingUnknown, err
	}
	s.pause(ctx)
	return s.landing(ctx, page)
}

// OpenLogin switches to a visible browser and shows the login page.
func (s *Session) OpenLogin(ctx context.Context) error {
	if !s.mgr.Headful() {
		s.dropPage()
		if _, err := s.mgr.Relaunch(ctx, true); err != nil {
			return err
		}
	}
	page, err := s.ensurePage(ctx)
	if err != nil {
		return err
	}
	_, err = s.navigate(ctx, page, LoginURL)
	return err
}

// LoggedIn opens the feed and reports whether it stayed there. In a
// headful browser the current page is checked instead, so an operator
// typing into the login form is not interrupted.
func (s *Session) LoggedIn(ctx context.Context) (bool, error) {
	page, err := s.ensurePage(ctx)
	if err != nil {
		return false, err
	}
	if s.mgr.Headful() {
		info, err := page.Context(ctx).Info()
		if err != nil {
			return false, fmt.Errorf("browser: page info: %w", err)
		}
		if Classify(info.URL, false) == LandingLoggedIn {
			return true, nil
		}
		return false, nil
	}
	u, err := s.navigate(ctx, page, FeedURL)
	if err != nil {
		return false, err
	}
	return Classify(u, false) == LandingLoggedIn, nil
}

// SearchPage runs a people search and returns the rendered HTML. A landing
// other than logged-in means the session was lost and no HTML is returned.
func (s *Session) SearchPage(ctx context.Context, query string) (string, Landing, error) {
	page, err := s.ensurePage(ctx)
	if err != nil {
		return "", LandingUnknown, err
	}
	u, err := s.navigate(ctx, page, PeopleSearchURL(query))
	if err != nil {
		return "", LandingUnknown, err
	}
	if l := Classify(u, false); l == LandingLogin || l == LandingCheckpoint {
		return "", l, nil
	}
	s.pause(ctx)

	if !s.waitResults(ctx, page) {
		s.cfg.Logger.Warn("browser: no results container, extracting anyway", "query", query)
	}
	for i := 0; i < 2+rand.IntN(3); i++ {
		page.Context(ctx).Mouse.Scroll(0, float64(300+rand.IntN(400)), 4)
		s.pause(ctx)
	}

	html, err := page.Context(ctx).HTML()
	if err != nil {
		return "", LandingUnknown, fmt.Errorf("browser: read page: %w", err)
	}
	return html, LandingLoggedIn, nil
}

// Close releases the tab and the browser.
func (s *Session) Close() error {
	s.dropPage()
	return s.mgr.Close()
}

func (s *Session) ensurePage(ctx context.Context) (*rod.Page, error) {
	b, err := s.mgr.Start(ctx)
	if err != nil {
		return nil, err
	}
	if s.page != nil {
		return s.page, nil
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if err := s.emulate(page); err != nil {
		page.Close()
		return nil, err
	}
	if len(s.cfg.ResourceBlocking) > 0 {
		s.router = blockResources(page, s.cfg.ResourceBlocking)
	}
	s.page = page
	return page, nil
}

func (s *Session) emulate(page *rod.Page) error {
	err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      s.cfg.UserAgent,
		AcceptLanguage: s.cfg.Locale,
	})
	if err != nil {
		return fmt.Errorf("browser: user agent: %w", err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.Width,
		Height:            s.cfg.Height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("browser: viewport: %w", err)
	}
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: s.cfg.Timezone}).Call(page); err != nil {
		return fmt.Errorf("browser: timezone: %w", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: s.cfg.Locale}).Call(page); err != nil {
		s.cfg.Logger.Warn("browser: locale override", "error", err)
	}
	return nil
}

func (s *Session) dropPage() {
	if s.router != nil {
		s.router.Stop()
		s.router = nil
	}
	if s.page != nil {
		s.page.Close()
		s.page = nil
	}
}

// navigate loads pageURL and returns the URL the tab settled on.
func (s *Session) navigate(ctx context.Context, page *rod.Page, pageURL string) (string, error) {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()

	p := page.Context(navCtx)
	if err := p.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		s.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	info, err := p.Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}

func (s *Session) landing(ctx context.Context, page *rod.Page) (Landing, error) {
	p := page.Context(ctx)
	info, err := p.Info()
	if err != nil {
		return LandingUnknown, fmt.Errorf("browser: page info: %w", err)
	}
	pin := false
	for _, sel := range PinSelectors {
		if ok, _, _ := p.Has(sel); ok {
			pin = true
			break
		}
	}
	l := Classify(info.URL, pin)
	s.cfg.Logger.Debug("browser: landing", "url", info.URL, "landing", l.String())
	return l, nil
}

func (s *Session) fill(ctx context.Context, page *rod.Page, selector, value string) error {
	findCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()
	el, err := page.Context(findCtx).Element(selector)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoElement, selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("browser: focus %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("browser: type into %s: %w", selector, err)
	}
	return nil
}

func (s *Session) submit(ctx context.Context, page *rod.Page, selector string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()
	p := page.Context(navCtx)

	el, err := p.Element(selector)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoElement, selector, err)
	}
	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click %s: %w", selector, err)
	}
	wait()
	return nil
}

// waitResults waits up to 5s per known results container.
func (s *Session) waitResults(ctx context.Context, page *rod.Page) bool {
	for _, sel := range ResultSelectors {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := page.Context(wctx).Element(sel)
		cancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// pause waits a random human-scale delay.
func (s *Session) pause(ctx context.Context) {
	d := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		d += rand.N(span)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
