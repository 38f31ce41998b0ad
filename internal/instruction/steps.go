// Package instruction decodes provider-supplied action programs and executes
// them against one browser tab.
package instruction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action names a step kind.
type Action string

const (
	ActNavigate       Action = "navigate"
	ActClick          Action = "click"
	ActClickIfPresent Action = "click-if-present"
	ActTypeText       Action = "type-text"
	ActPressKey       Action = "press-key"
	ActWait           Action = "wait"
	ActWaitForElement Action = "wait-for-element"
	ActSetInputFiles  Action = "set-input-files"
	ActWaitForContent Action = "wait-for-content"
)

// wireActions maps the provider's action vocabulary, and the descriptive
// names, onto step kinds.
var wireActions = map[string]Action{
	"goto":             ActNavigate,
	"navigate":         ActNavigate,
	"click":            ActClick,
	"clickifvisible":   ActClickIfPresent,
	"click-if-present": ActClickIfPresent,
	"type":             ActTypeText,
	"type-text":        ActTypeText,
	"press":            ActPressKey,
	"press-key":        ActPressKey,
	"wait":             ActWait,
	"waitforselector":  ActWaitForElement,
	"wait-for-element": ActWaitForElement,
	"setinputfiles":    ActSetInputFiles,
	"set-input-files":  ActSetInputFiles,
	"waitforcontent":   ActWaitForContent,
	"wait-for-content": ActWaitForContent,
}

// Step is one instruction. The set of implementations is closed; anything the
// decoder does not recognize becomes Unknown.
type Step interface {
	Kind() Action
	Describe() string
	step()
}

// Meta is shared by every step.
type Meta struct {
	Description string
}

func (m Meta) step() {}

type Navigate struct {
	Meta
	URL       string
	WaitUntil string
	Timeout   time.Duration
}

type Click struct {
	Meta
	Selector string
}

type ClickIfPresent struct {
	Meta
	Selector string
}

type TypeText struct {
	Meta
	Selector string
	Text     string
}

type PressKey struct {
	Meta
	Key string
}

type Wait struct {
	Meta
	Duration time.Duration
}

type WaitForElement struct {
	Meta
	Selector string
	Timeout  time.Duration
}

type SetInputFiles struct {
	Meta
	Selector string
	Files    []string
}

type WaitForContent struct {
	Meta
	Selector string
	Content  string
	Timeout  time.Duration
}

// Unknown is an action this build does not implement. It is logged and skipped.
type Unknown struct {
	Meta
	Action string
}

func (Navigate) Kind() Action       { return ActNavigate }
func (Click) Kind() Action          { return ActClick }
func (ClickIfPresent) Kind() Action { return ActClickIfPresent }
func (TypeText) Kind() Action       { return ActTypeText }
func (PressKey) Kind() Action       { return ActPressKey }
func (Wait) Kind() Action           { return ActWait }
func (WaitForElement) Kind() Action { return ActWaitForElement }
func (SetInputFiles) Kind() Action  { return ActSetInputFiles }
func (WaitForContent) Kind() Action { return ActWaitForContent }
func (u Unknown) Kind() Action      { return Action(u.Action) }

func (s Navigate) Describe() string       { return describe(s.Meta, s.Kind(), s.URL) }
func (s Click) Describe() string          { return describe(s.Meta, s.Kind(), s.Selector) }
func (s ClickIfPresent) Describe() string { return describe(s.Meta, s.Kind(), s.Selector) }
func (s TypeText) Describe() string       { return describe(s.Meta, s.Kind(), s.Selector) }
func (s PressKey) Describe() string       { return describe(s.Meta, s.Kind(), s.Key) }
func (s Wait) Describe() string           { return describe(s.Meta, s.Kind(), s.Duration.String()) }
func (s WaitForElement) Describe() string { return describe(s.Meta, s.Kind(), s.Selector) }
func (s SetInputFiles) Describe() string  { return describe(s.Meta, s.Kind(), s.Selector) }
func (s WaitForContent) Describe() string { return describe(s.Meta, s.Kind(), s.Selector) }
func (s Unknown) Describe() string        { return describe(s.Meta, s.Kind(), "") }

func describe(m Meta, a Action, target string) string {
	if m.Description != "" {
		return m.Description
	}
	if target == "" {
		return string(a)
	}
	return string(a) + " " + target
}

// Program is an ordered list of steps as supplied by the provider.
type Program []Step

// wireStep is the union of every action's fields on the wire.
type wireStep struct {
	Action      string   `json:"action"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	WaitUntil   string   `json:"waitUntil,omitempty"`
	Selector    string   `json:"selector,omitempty"`
	Text        string   `json:"text,omitempty"`
	Key         string   `json:"key,omitempty"`
	MS          float64  `json:"ms,omitempty"`
	Timeout     float64  `json:"timeout,omitempty"`
	Files       []string `json:"files,omitempty"`
	Content     string   `json:"content,omitempty"`
}

func millis(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Millisecond))
}

func (w wireStep) toStep() Step {
	m := Meta{Description: w.Description}
	switch wireActions[strings.ToLower(strings.TrimSpace(w.Action))] {
	case ActNavigate:
		return Navigate{Meta: m, URL: w.URL, WaitUntil: w.WaitUntil, Timeout: millis(w.Timeout)}
	case ActClick:
		return Click{Meta: m, Selector: w.Selector}
	case ActClickIfPresent:
		return ClickIfPresent{Meta: m, Selector: w.Selector}
	case ActTypeText:
		return TypeText{Meta: m, Selector: w.Selector, Text: w.Text}
	case ActPressKey:
		return PressKey{Meta: m, Key: w.Key}
	case ActWait:
		return Wait{Meta: m, Duration: millis(w.MS)}
	case ActWaitForElement:
		return WaitForElement{Meta: m, Selector: w.Selector, Timeout: millis(w.Timeout)}
	case ActSetInputFiles:
		return SetInputFiles{Meta: m, Selector: w.Selector, Files: w.Files}
	case ActWaitForContent:
		return WaitForContent{Meta: m, Selector: w.Selector, Content: w.Content, Timeout: millis(w.Timeout)}
	default:
		return Unknown{Meta: m, Action: w.Action}
	}
}

func fromStep(s Step) wireStep {
	w := wireStep{Action: string(s.Kind())}
	switch v := s.(type) {
	case Navigate:
		w.Description, w.URL, w.WaitUntil, w.Timeout = v.Description, v.URL, v.WaitUntil, float64(v.Timeout.Milliseconds())
	case Click:
		w.Description, w.Selector = v.Description, v.Selector
	case ClickIfPresent:
		w.Description, w.Selector = v.Description, v.Selector
	case TypeText:
		w.Description, w.Selector, w.Text = v.Description, v.Selector, v.Text
	case PressKey:
		w.Description, w.Key = v.Description, v.Key
	case Wait:
		w.Description, w.MS = v.Description, float64(v.Duration.Milliseconds())
	case WaitForElement:
		w.Description, w.Selector, w.Timeout = v.Description, v.Selector, float64(v.Timeout.Milliseconds())
	case SetInputFiles:
		w.Description, w.Selector, w.Files = v.Description, v.Selector, v.Files
	case WaitForContent:
		w.Description, w.Selector, w.Content, w.Timeout = v.Description, v.Selector, v.Content, float64(v.Timeout.Milliseconds())
	case Unknown:
		w.Description = v.Description
	}
	return w
}

func (p *Program) UnmarshalJSON(b []byte) error {
	var raw []wireStep
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode program: %w", err)
	}
	out := make(Program, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.toStep())
	}
	*p = out
	return nil
}

// MarshalJSON writes the descriptive action names.
func (p Program) MarshalJSON() ([]byte, error) {
	raw := make([]wireStep, 0, len(p))
	for _, s := range p {
		raw = append(raw, fromStep(s))
	}
	return json.Marshal(raw)
}
