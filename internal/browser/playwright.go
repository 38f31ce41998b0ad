package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	logx "postbot/pkg/logx"
)

// Config configures the browser session manager.
type Config struct {
	// StatePath is the saved storage state (cookies + local storage) of the
	// authenticated profile.
	StatePath        string
	Headless         bool
	ExecutablePath   string
	LoginURL         string
	LoginSuccessGlob string
	LoginTimeout     time.Duration
}

// Session manages the persisted authenticated profile and launches browsers
// that reuse it.
type Session struct {
	log logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewSession(cfg Config, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{cfg: cfg, log: log}
}

// Apply swaps the configuration used by later calls.
func (s *Session) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Session) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Exists reports whether a saved profile is present.
func (s *Session) Exists() bool {
	_, err := os.Stat(s.config().StatePath)
	return err == nil
}

// Logout deletes the saved profile. A missing profile is not an error.
func (s *Session) Logout() error {
	err := os.Remove(s.config().StatePath)
	if err == nil {
		s.log.Info("session file deleted")
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	s.log.Error("failed to delete session file", logx.Err(err))
	return err
}

// Login opens a visible browser at the login page, waits for the operator to
// sign in and saves the resulting profile.
func (s *Session) Login(ctx context.Context) error {
	cfg := s.config()
	if cfg.LoginURL == "" {
		return errors.New("browser.login_url is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o700); err != nil {
		return err
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	defer pw.Stop()

	b, err := pw.Chromium.Launch(launchOptions(cfg, false))
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer b.Close()

	bctx, err := b.NewContext()
	if err != nil {
		return err
	}
	page, err := bctx.NewPage()
	if err != nil {
		return err
	}

	s.log.Info("starting login flow", logx.String("url", cfg.LoginURL))
	if _, err := page.Goto(cfg.LoginURL); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	s.log.Info("log in using the opened browser window", logx.Duration("timeout", cfg.LoginTimeout))

	done := make(chan error, 1)
	go func() {
		done <- page.WaitForURL(cfg.LoginSuccessGlob, playwright.PageWaitForURLOptions{
			Timeout: ms(cfg.LoginTimeout),
		})
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			s.log.Error("login failed or timed out", logx.Err(err))
			return err
		}
	}

	s.log.Info("login detected; saving session")
	if _, err := bctx.StorageState(cfg.StatePath); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.log.Info("session saved", logx.String("path", cfg.StatePath))
	return nil
}

// Launch starts a browser with one context authenticated from the saved profile.
func (s *Session) Launch(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := s.config()
	if !s.Exists() {
		return nil, ErrNoSession
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	b, err := pw.Chromium.Launch(launchOptions(cfg, cfg.Headless))
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		StorageStatePath: playwright.String(cfg.StatePath),
	})
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("open browser context: %w", err)
	}
	return &instance{pw: pw, browser: b, bctx: bctx}, nil
}

// Install downloads the playwright driver and chromium.
func Install() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

func launchOptions(cfg Config, headless bool) playwright.BrowserTypeLaunchOptions {
	opts := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(headless)}
	if cfg.ExecutablePath != "" {
		opts.ExecutablePath = playwright.String(cfg.ExecutablePath)
	}
	return opts
}

type instance struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext

	once sync.Once
}

func (i *instance) NewTab(ctx context.Context) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := i.bctx.NewPage()
	if err != nil {
		return nil, err
	}
	return &tab{page: p}, nil
}

func (i *instance) Close() error {
	var err error
	i.once.Do(func() {
		err = i.browser.Close()
		if serr := i.pw.Stop(); err == nil {
			err = serr
		}
	})
	return err
}

type tab struct {
	page playwright.Page
}

func ms(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func waitUntil(s string) *playwright.WaitUntilState {
	switch strings.ToLower(s) {
	case "load":
		return playwright.WaitUntilStateLoad
	case "domcontentloaded":
		return playwright.WaitUntilStateDomcontentloaded
	case "commit":
		return playwright.WaitUntilStateCommit
	default:
		return playwright.WaitUntilStateNetworkidle
	}
}

func loadState(s string) *playwright.LoadState {
	switch strings.ToLower(s) {
	case "load":
		return playwright.LoadStateLoad
	case "domcontentloaded":
		return playwright.LoadStateDomcontentloaded
	default:
		return playwright.LoadStateNetworkidle
	}
}

func (t *tab) Navigate(ctx context.Context, url string, opts NavigateOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	resp, err := t.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntil(opts.WaitUntil),
		Timeout:   ms(opts.Timeout),
	})
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	return resp.Status(), nil
}

func (t *tab) WaitForLoad(ctx context.Context, state string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   loadState(state),
		Timeout: ms(timeout),
	})
}

func (t *tab) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: ms(timeout)})
}

func (t *tab) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return t.page.Locator(selector).First().IsVisible()
}

func (t *tab) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := t.page.Locator(selector)
	n, err := loc.Count()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return loc.First().PressSequentially(text)
}

func (t *tab) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.page.Keyboard().Press(key)
}

func (t *tab) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: ms(timeout),
	})
}

func (t *tab) SetInputFiles(ctx context.Context, selector string, files []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.page.Locator(selector).First().SetInputFiles(files)
}

// contentProbe checks the last five matches, where fresh chat messages land.
const contentProbe = `(args) => {
  const nodes = Array.from(document.querySelectorAll(args.selector)).slice(-5);
  return nodes.some((n) => (n.textContent || "").includes(args.content));
}`

func (t *tab) WaitForContent(ctx context.Context, selector, content string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.page.WaitForFunction(contentProbe,
		map[string]any{"selector": selector, "content": content},
		playwright.PageWaitForFunctionOptions{Timeout: ms(timeout)},
	)
	return err
}

func (t *tab) TextContent(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc := t.page.Locator(selector)
	n, err := loc.Count()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return loc.First().TextContent()
}

func (t *tab) Close() error { return t.page.Close() }
