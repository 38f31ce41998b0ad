// Package browser owns the automated browser: one persistent authenticated
// profile, a shared browser instance per job and one tab per destination.
//
// The rest of the system only sees the Tab, Instance and Launcher interfaces;
// the playwright-backed implementation lives in playwright.go.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSession = errors.New("no saved browser session; run login first")
	ErrNotFound  = errors.New("element not found")
)

// NavigateOptions controls a page load.
type NavigateOptions struct {
	// WaitUntil is a load state: "load", "domcontentloaded", "networkidle" or "commit".
	WaitUntil string
	Timeout   time.Duration
}

// Tab is one open page. Tabs never share mutable state.
//
// Every selector addresses the first matching element.
type Tab interface {
	// Navigate loads url and returns the main response status, or 0 when
	// the page produced no response.
	Navigate(ctx context.Context, url string, opts NavigateOptions) (int, error)
	WaitForLoad(ctx context.Context, state string, timeout time.Duration) error

	Click(ctx context.Context, selector string, timeout time.Duration) error
	IsVisible(ctx context.Context, selector string) (bool, error)
	// Type sends text to the element as keystrokes. It fails with
	// ErrNotFound when nothing matches.
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, key string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	SetInputFiles(ctx context.Context, selector string, files []string) error
	// WaitForContent waits until one of the last few elements matching
	// selector contains content.
	WaitForContent(ctx context.Context, selector, content string, timeout time.Duration) error
	TextContent(ctx context.Context, selector string) (string, error)

	Close() error
}

// Instance is a launched browser with one authenticated context.
type Instance interface {
	NewTab(ctx context.Context) (Tab, error)
	Close() error
}

// Launcher starts a browser instance for one job.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}
