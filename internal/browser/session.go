package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"webeval/internal/config"
	"webeval/internal/logging"
)

// SessionManager owns the Chrome instance and hands out evaluation
// sessions. It also implements cache.PageLoader for the store's live
// fetches.
type SessionManager struct {
	cfg        config.BrowserConfig
	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg config.BrowserConfig) *SessionManager {
	return &SessionManager{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.Browser("stale browser connection, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.Headless)
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Retry without the extra flags before giving up
			fallback := launcher.New().Bin(bin).Headless(m.cfg.Headless)
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		url, err := launcher.New().Headless(m.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	logging.Browser("connected to chrome at %s", controlURL)
	return nil
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// Shutdown closes the browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}

// newPage opens a fresh page in an incognito context with the configured
// viewport.
func (m *SessionManager) newPage(ctx context.Context) (*rod.Page, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.ViewportWidth,
		Height:            m.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	return page.Context(ctx), nil
}

// LoadHTML retrieves the serialized document for a URL with a transient
// uninstrumented page. This is the cache store's live-fetch collaborator.
func (m *SessionManager) LoadHTML(ctx context.Context, url string) (string, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "LoadHTML "+url)
	defer timer.StopWithThreshold(m.cfg.NavigationTimeout())

	page, err := m.newPage(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = page.Close() }()

	page = page.Timeout(m.cfg.NavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load %s: %w", url, err)
	}
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("serialize %s: %w", url, err)
	}
	return html, nil
}

// EvalSession is one instrumented browsing session: a page with the
// interceptor attached, used by the agent loop for a single task.
type EvalSession struct {
	ID          string
	CreatedAt   time.Time
	page        *rod.Page
	interceptor *Interceptor
	detach      func()
	navTimeout  time.Duration
}

// OpenSession creates a page with the interceptor wired into its request
// pipeline. The caller owns the session and must Close it.
func (m *SessionManager) OpenSession(ctx context.Context, it *Interceptor) (*EvalSession, error) {
	page, err := m.newPage(ctx)
	if err != nil {
		return nil, err
	}
	detach, err := it.Attach(page)
	if err != nil {
		_ = page.Close()
		return nil, err
	}

	s := &EvalSession{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now(),
		page:        page,
		interceptor: it,
		detach:      detach,
		navTimeout:  m.cfg.NavigationTimeout(),
	}
	logging.Session("opened session %s", s.ID)
	return s, nil
}

// Navigate drives the session's page to a URL and waits for load.
func (s *EvalSession) Navigate(url string) error {
	page := s.page.Timeout(s.navTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// HTML returns the current document. When the interceptor registered a
// deterministic snapshot for the current URL, that is preferred over
// re-serializing the live DOM.
func (s *EvalSession) HTML() (string, error) {
	info, err := s.page.Info()
	if err == nil {
		if snap, ok := s.interceptor.Snapshot(info.URL); ok {
			return snap, nil
		}
	}
	html, err := s.page.HTML()
	if err != nil {
		return "", fmt.Errorf("serialize page: %w", err)
	}
	return html, nil
}

// URL returns the page's current location.
func (s *EvalSession) URL() (string, error) {
	info, err := s.page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Interceptor exposes the session's interceptor for stats collection.
func (s *EvalSession) Interceptor() *Interceptor { return s.interceptor }

// Close detaches the router, closes the page and releases the
// interceptor's cached-page references.
func (s *EvalSession) Close() {
	if s.detach != nil {
		s.detach()
	}
	if s.page != nil {
		_ = s.page.Close()
	}
	s.interceptor.Close()
	logging.Session("closed session %s (stats: %+v)", s.ID, s.interceptor.Stats())
}
