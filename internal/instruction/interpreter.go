package instruction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/browser"
	"postbot/internal/pace"
	logx "postbot/pkg/logx"
)

// ErrNavigation marks a page load that produced no response or a non-2xx status.
var ErrNavigation = errors.New("navigation failed")

// StepError reports the step that aborted a program.
type StepError struct {
	Index       int
	Action      Action
	Description string
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) %q failed: %v", e.Index, e.Action, e.Description, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Timeouts are the per-step defaults used when a step carries none.
type Timeouts struct {
	Navigate       time.Duration
	Click          time.Duration
	WaitForElement time.Duration
	WaitForContent time.Duration
	// AfterOptionalClick is the pause after a successful click-if-present.
	AfterOptionalClick time.Duration
	Settle             time.Duration
	SettlePause        time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigate:           60 * time.Second,
		Click:              15 * time.Second,
		WaitForElement:     30 * time.Second,
		WaitForContent:     10 * time.Second,
		AfterOptionalClick: time.Second,
		Settle:             30 * time.Second,
		SettlePause:        2 * time.Second,
	}
}

const (
	keyDelayMin = 30 * time.Millisecond
	keyDelayMax = 80 * time.Millisecond
)

// Interpreter executes programs step by step. It is safe for concurrent use;
// each call drives its own tab.
type Interpreter struct {
	log      logx.Logger
	timeouts Timeouts
	sleep    pace.SleepFunc
	jitter   pace.JitterFunc
}

type Option func(*Interpreter)

func WithTimeouts(t Timeouts) Option { return func(i *Interpreter) { i.timeouts = t } }

// WithPacing replaces the sleep and jitter sources.
func WithPacing(sleep pace.SleepFunc, jitter pace.JitterFunc) Option {
	return func(i *Interpreter) {
		if sleep != nil {
			i.sleep = sleep
		}
		if jitter != nil {
			i.jitter = jitter
		}
	}
}

func New(log logx.Logger, opts ...Option) *Interpreter {
	if log.IsZero() {
		log = logx.Nop()
	}
	i := &Interpreter{
		log:      log,
		timeouts: DefaultTimeouts(),
		sleep:    pace.Sleep,
		jitter:   pace.Between,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Execute runs prog in order. It stops at the first fatal step and returns a
// *StepError. click-if-present and wait-for-content never fail the program;
// unknown actions are logged and skipped.
func (in *Interpreter) Execute(ctx context.Context, tab browser.Tab, prog Program) error {
	for idx, s := range prog {
		if err := ctx.Err(); err != nil {
			return err
		}
		in.log.Debug("executing step", logx.Int("index", idx), logx.String("step", s.Describe()))
		if err := in.run(ctx, tab, s); err != nil {
			in.log.Error("step failed", logx.Int("index", idx), logx.String("step", s.Describe()), logx.Err(err))
			return &StepError{Index: idx, Action: s.Kind(), Description: s.Describe(), Err: err}
		}
	}
	return nil
}

func (in *Interpreter) run(ctx context.Context, tab browser.Tab, s Step) error {
	t := in.timeouts
	switch v := s.(type) {
	case Navigate:
		return in.navigate(ctx, tab, v.URL, v.WaitUntil, or(v.Timeout, t.Navigate))

	case Click:
		return tab.Click(ctx, v.Selector, t.Click)

	case ClickIfPresent:
		visible, err := tab.IsVisible(ctx, v.Selector)
		if err != nil || !visible {
			return nil
		}
		if err := tab.Click(ctx, v.Selector, t.Click); err != nil {
			in.log.Debug("optional click skipped", logx.String("selector", v.Selector), logx.Err(err))
			return nil
		}
		return in.pause(ctx, t.AfterOptionalClick)

	case TypeText:
		return in.typeText(ctx, tab, v.Selector, v.Text)

	case PressKey:
		return tab.Press(ctx, v.Key)

	case Wait:
		return in.sleep(ctx, v.Duration)

	case WaitForElement:
		return tab.WaitForSelector(ctx, v.Selector, or(v.Timeout, t.WaitForElement))

	case SetInputFiles:
		if len(v.Files) == 0 {
			return nil
		}
		return tab.SetInputFiles(ctx, v.Selector, v.Files)

	case WaitForContent:
		if err := tab.WaitForContent(ctx, v.Selector, v.Content, or(v.Timeout, t.WaitForContent)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.log.Warn("content check timed out; continuing", logx.String("step", v.Describe()), logx.Err(err))
		}
		return nil

	case Unknown:
		in.log.Warn("unknown action; skipping", logx.String("action", v.Action), logx.String("step", v.Describe()))
		return nil

	default:
		in.log.Warn("unhandled step type; skipping", logx.String("action", string(s.Kind())))
		return nil
	}
}

// typeText enters text one character at a time with a human-like delay
// between keystrokes.
func (in *Interpreter) typeText(ctx context.Context, tab browser.Tab, selector, text string) error {
	for _, r := range text {
		if err := tab.Type(ctx, selector, string(r)); err != nil {
			return err
		}
		if err := in.sleep(ctx, in.jitter(keyDelayMin, keyDelayMax)); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) navigate(ctx context.Context, tab browser.Tab, url, waitUntil string, timeout time.Duration) error {
	if waitUntil == "" {
		waitUntil = "networkidle"
	}
	status, err := tab.Navigate(ctx, url, browser.NavigateOptions{WaitUntil: waitUntil, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}
	if status < 200 || status > 299 {
		if status == 0 {
			return fmt.Errorf("%w: %s: no response", ErrNavigation, url)
		}
		return fmt.Errorf("%w: %s: HTTP %d", ErrNavigation, url, status)
	}
	return nil
}

// Open loads a destination page and waits for it to settle before a program
// runs against it.
func (in *Interpreter) Open(ctx context.Context, tab browser.Tab, url string) error {
	t := in.timeouts
	if err := in.navigate(ctx, tab, url, "networkidle", t.Navigate); err != nil {
		return err
	}
	if err := tab.WaitForLoad(ctx, "networkidle", t.Settle); err != nil {
		return fmt.Errorf("page did not settle: %w", err)
	}
	return in.pause(ctx, t.SettlePause)
}

func (in *Interpreter) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return in.sleep(ctx, d)
}

func or(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
