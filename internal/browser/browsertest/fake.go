// Package browsertest provides scriptable in-memory browser fakes.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postbot/internal/browser"
)

// Call is one recorded tab operation.
type Call struct {
	Op     string
	Target string
	Arg    string
}

// Tab records every call. Behavior is scripted through the exported maps;
// anything not scripted succeeds.
type Tab struct {
	URL string // set by Navigate

	// Status per URL; missing means 200.
	Status map[string]int
	// Fail makes the named operation fail ("click", "type", "press", ...),
	// keyed by op or "op:target".
	Fail map[string]error
	// Visible per selector; missing means visible.
	Visible map[string]bool
	// Text per selector for TextContent.
	Text map[string]string

	mu     sync.Mutex
	calls  []Call
	closed bool
}

func NewTab() *Tab { return &Tab{} }

func (t *Tab) record(op, target, arg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: op, Target: target, Arg: arg})
	if err, ok := t.Fail[op+":"+target]; ok {
		return err
	}
	if err, ok := t.Fail[op]; ok {
		return err
	}
	return nil
}

// Calls returns the recorded calls in order.
func (t *Tab) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Ops returns "op target" strings for the recorded calls.
func (t *Tab) Ops() []string {
	var out []string
	for _, c := range t.Calls() {
		out = append(out, strings.TrimSpace(c.Op+" "+c.Target))
	}
	return out
}

// Typed returns everything typed into selector, in order.
func (t *Tab) Typed(selector string) string {
	var b strings.Builder
	for _, c := range t.Calls() {
		if c.Op == "type" && c.Target == selector {
			b.WriteString(c.Arg)
		}
	}
	return b.String()
}

func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tab) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) (int, error) {
	t.mu.Lock()
	t.URL = url
	t.mu.Unlock()
	if err := t.record("navigate", url, opts.WaitUntil); err != nil {
		return 0, err
	}
	if s, ok := t.Status[url]; ok {
		return s, nil
	}
	return 200, nil
}

func (t *Tab) WaitForLoad(ctx context.Context, state string, timeout time.Duration) error {
	return t.record("load", state, "")
}

func (t *Tab) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return t.record("click", selector, "")
}

func (t *Tab) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := t.record("visible", selector, ""); err != nil {
		return false, err
	}
	if v, ok := t.Visible[selector]; ok {
		return v, nil
	}
	return true, nil
}

func (t *Tab) Type(ctx context.Context, selector, text string) error {
	return t.record("type", selector, text)
}

func (t *Tab) Press(ctx context.Context, key string) error {
	return t.record("press", key, "")
}

func (t *Tab) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return t.record("waitFor", selector, timeout.String())
}

func (t *Tab) SetInputFiles(ctx context.Context, selector string, files []string) error {
	return t.record("files", selector, strings.Join(files, ","))
}

func (t *Tab) WaitForContent(ctx context.Context, selector, content string, timeout time.Duration) error {
	return t.record("content", selector, content)
}

func (t *Tab) TextContent(ctx context.Context, selector string) (string, error) {
	if err := t.record("text", selector, ""); err != nil {
		return "", err
	}
	if s, ok := t.Text[selector]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %s", browser.ErrNotFound, selector)
}

func (t *Tab) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Browser is a fake Launcher and Instance. Every NewTab creates a Tab through
// Configure, so tests can script per-tab behavior.
type Browser struct {
	// Configure, when set, prepares each new tab.
	Configure func(*Tab)
	// Hook, when set, runs on every navigation with the destination url.
	Hook func(url string)
	// LaunchErr makes Launch fail.
	LaunchErr error

	mu       sync.Mutex
	launches int
	closes   int
	tabs     []*Tab
}

func (b *Browser) Launch(ctx context.Context) (browser.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}
	return &instance{b: b}, nil
}

func (b *Browser) Launches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches
}

func (b *Browser) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *Browser) Tabs() []*Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Tab(nil), b.tabs...)
}

// Navigated returns the URLs visited across all tabs, in tab-creation order.
func (b *Browser) Navigated() []string {
	var out []string
	for _, t := range b.Tabs() {
		for _, c := range t.Calls() {
			if c.Op == "navigate" {
				out = append(out, c.Target)
			}
		}
	}
	return out
}

type instance struct {
	b      *Browser
	closed bool
}

func (i *instance) NewTab(ctx context.Context) (browser.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := NewTab()
	if i.b.Configure != nil {
		i.b.Configure(t)
	}
	i.b.mu.Lock()
	if i.closed {
		i.b.mu.Unlock()
		return nil, errors.New("browser closed")
	}
	i.b.tabs = append(i.b.tabs, t)
	i.b.mu.Unlock()
	if i.b.Hook != nil {
		return &hooked{Tab: t, hook: i.b.Hook}, nil
	}
	return t, nil
}

func (i *instance) Close() error {
	i.b.mu.Lock()
	defer i.b.mu.Unlock()
	if !i.closed {
		i.closed = true
		i.b.closes++
	}
	return nil
}

type hooked struct {
	*Tab
	hook func(url string)
}

func (h *hooked) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) (int, error) {
	h.hook(url)
	return h.Tab.Navigate(ctx, url, opts)
}
