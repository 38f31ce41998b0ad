// Package registry is the file-backed destination registry.
//
// Destinations are grouped by category. The reserved category "everyone"
// doubles as the broadcast membership set. The whole document is held in
// memory and rewritten on every change.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

// Broadcast is the reserved category listing broadcast destinations.
const Broadcast = "everyone"

var (
	ErrDuplicate       = errors.New("destination already exists")
	ErrUnknownCategory = errors.New("unknown category")
	ErrNotFound        = errors.New("destination not found")
	ErrReserved        = errors.New("category is reserved")
)

// DefaultCategories is the category set created for a new registry.
var DefaultCategories = []string{
	"Suno link",
	"Playlist link",
	"Riffusion link",
	"YouTube link",
	"Spotify link",
	"SoundCloud link",
	"Twitter link",
	"Instagram link",
	"TikTok link",
	"Facebook link",
}

// ImportStats summarizes an Import.
type ImportStats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Registry is safe for concurrent use.
type Registry struct {
	log  logx.Logger
	path string

	mu    sync.RWMutex
	order []string
	data  map[string][]model.Destination
}

// Open loads the registry at path, creating the default layout when the file
// does not exist. Legacy entries stored as bare URL strings are migrated.
func Open(path string, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log, path: path}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.data = map[string][]model.Destination{Broadcast: {}}
		for _, c := range DefaultCategories {
			r.data[c] = []model.Destination{}
		}
		r.order = append([]string(nil), DefaultCategories...)
		return r, nil
	case err != nil:
		return nil, err
	}

	migrated, err := r.decode(b)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	if migrated {
		log.Info("migrated legacy destination entries")
		if err := r.saveLocked(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// decode reads the category object, keeping key order and migrating strings.
func (r *Registry) decode(b []byte) (bool, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return false, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return false, errors.New("expected a JSON object of categories")
	}

	r.data = map[string][]model.Destination{}
	r.order = nil
	migrated := false
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return false, err
		}
		key, _ := kt.(string)
		var raw []json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return false, fmt.Errorf("category %q: %w", key, err)
		}
		list := make([]model.Destination, 0, len(raw))
		for _, item := range raw {
			var url string
			if json.Unmarshal(item, &url) == nil {
				if url == "" {
					continue
				}
				migrated = true
				list = append(list, model.Destination{Name: model.DefaultDestinationName, URL: url})
				continue
			}
			var d model.Destination
			if err := json.Unmarshal(item, &d); err != nil {
				return false, fmt.Errorf("category %q: %w", key, err)
			}
			list = append(list, d)
		}
		r.data[key] = list
		if key != Broadcast {
			r.order = append(r.order, key)
		}
	}
	if _, ok := r.data[Broadcast]; !ok {
		r.data[Broadcast] = []model.Destination{}
	}
	return migrated, nil
}

func (r *Registry) saveLocked() error {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	keys := append(append([]string(nil), r.order...), Broadcast)
	for i, k := range keys {
		kb, _ := json.Marshal(k)
		list := r.data[k]
		if list == nil {
			list = []model.Destination{}
		}
		vb, err := json.MarshalIndent(list, "  ", "  ")
		if err != nil {
			return err
		}
		buf.WriteString("  ")
		buf.Write(kb)
		buf.WriteString(": ")
		buf.Write(vb)
		if i < len(keys)-1 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")

	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// save persists and logs failures; in-memory state stays authoritative.
func (r *Registry) save() error {
	if err := r.saveLocked(); err != nil {
		r.log.Error("failed to save registry", logx.Err(err))
		return err
	}
	return nil
}

// Categories returns the category names (without "everyone") in file order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns a copy of every list, "everyone" included.
func (r *Registry) All() map[string][]model.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]model.Destination, len(r.data))
	for k, v := range r.data {
		out[k] = append([]model.Destination{}, v...)
	}
	return out
}

// ByCategory returns the destinations of one category, with the Broadcast
// flag filled in. Unknown categories yield nil.
func (r *Registry) ByCategory(category string) []model.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.data[category]
	if len(list) == 0 {
		return nil
	}
	members := r.broadcastLocked()
	out := make([]model.Destination, len(list))
	for i, d := range list {
		d.Broadcast = members[d.URL]
		out[i] = d
	}
	return out
}

// BroadcastSet returns the URLs of broadcast destinations.
func (r *Registry) BroadcastSet() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcastLocked()
}

func (r *Registry) broadcastLocked() map[string]bool {
	out := make(map[string]bool, len(r.data[Broadcast]))
	for _, d := range r.data[Broadcast] {
		out[d.URL] = true
	}
	return out
}

// IsPaused reports whether any entry for url is paused.
func (r *Registry) IsPaused(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paused := false
	r.eachLocked(url, func(d *model.Destination) { paused = paused || d.Paused })
	return paused
}

// Find returns the first entry for url.
func (r *Registry) Find(url string) (model.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		out   model.Destination
		found bool
	)
	r.eachLocked(url, func(d *model.Destination) {
		if !found {
			out, found = *d, true
		}
	})
	return out, found
}

func (r *Registry) eachLocked(url string, fn func(d *model.Destination)) int {
	n := 0
	for k := range r.data {
		list := r.data[k]
		for i := range list {
			if list[i].URL == url {
				fn(&list[i])
				n++
			}
		}
	}
	return n
}

func (r *Registry) mutate(url string, fn func(d *model.Destination) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	n := r.eachLocked(url, func(d *model.Destination) {
		if fn(d) {
			changed = true
		}
	})
	if n == 0 {
		return ErrNotFound
	}
	if !changed {
		return nil
	}
	return r.save()
}

func (r *Registry) Add(category, url, name string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("url is required")
	}
	if strings.TrimSpace(name) == "" {
		name = model.DefaultDestinationName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.data[category]
	if !ok || category == Broadcast {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	for _, d := range list {
		if d.URL == url {
			return fmt.Errorf("%w in %s", ErrDuplicate, category)
		}
	}
	r.data[category] = append(list, model.Destination{Name: name, URL: url})
	return r.save()
}

// Remove deletes url from category and from the broadcast set.
func (r *Registry) Remove(category, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[category]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	r.data[category] = without(r.data[category], url)
	r.data[Broadcast] = without(r.data[Broadcast], url)
	return r.save()
}

func without(list []model.Destination, url string) []model.Destination {
	out := list[:0:0]
	for _, d := range list {
		if d.URL != url {
			out = append(out, d)
		}
	}
	return out
}

// ToggleBroadcast flips broadcast membership and returns the new state.
func (r *Registry) ToggleBroadcast(url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.data[Broadcast] {
		if d.URL == url {
			r.data[Broadcast] = without(r.data[Broadcast], url)
			return false, r.save()
		}
	}
	name := model.DefaultDestinationName
	for _, k := range r.order {
		for _, d := range r.data[k] {
			if d.URL == url {
				name = d.Name
				break
			}
		}
		if name != model.DefaultDestinationName {
			break
		}
	}
	r.data[Broadcast] = append(r.data[Broadcast], model.Destination{Name: name, URL: url})
	return true, r.save()
}

// TogglePause flips the pause flag on every entry for url and returns the new state.
func (r *Registry) TogglePause(url string) (bool, error) {
	paused := !r.IsPaused(url)
	err := r.mutate(url, func(d *model.Destination) bool {
		d.Paused = paused
		return true
	})
	return paused, err
}

// IncrementFailure adds exactly one failure to every entry for url.
func (r *Registry) IncrementFailure(url string) error {
	return r.mutate(url, func(d *model.Destination) bool {
		d.Failures++
		return true
	})
}

// ResetFailure sets the failure counter of every entry for url to zero.
func (r *Registry) ResetFailure(url string) error {
	return r.mutate(url, func(d *model.Destination) bool {
		if d.Failures == 0 {
			return false
		}
		d.Failures = 0
		return true
	})
}

func (r *Registry) Rename(url, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}
	return r.mutate(url, func(d *model.Destination) bool {
		if d.Name == name {
			return false
		}
		d.Name = name
		return true
	})
}

// AutoName sets a detected name only where the stored name is still the
// placeholder. It reports whether anything changed.
func (r *Registry) AutoName(url, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	changed := false
	err := r.mutate(url, func(d *model.Destination) bool {
		if d.Name != "" && d.Name != model.DefaultDestinationName {
			return false
		}
		d.Name = name
		changed = true
		return true
	})
	return changed, err
}

// Update moves oldURL to newURL (when different) and renames it everywhere.
func (r *Registry) Update(oldURL, newURL, name string) error {
	newURL = strings.TrimSpace(newURL)
	if newURL == "" {
		newURL = oldURL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if newURL != oldURL {
		conflict := false
		for k := range r.data {
			hasOld, hasNew := false, false
			for _, d := range r.data[k] {
				hasOld = hasOld || d.URL == oldURL
				hasNew = hasNew || d.URL == newURL
			}
			conflict = conflict || (hasOld && hasNew)
		}
		if conflict {
			return ErrDuplicate
		}
	}
	n := r.eachLocked(oldURL, func(d *model.Destination) {
		d.URL = newURL
		if strings.TrimSpace(name) != "" {
			d.Name = strings.TrimSpace(name)
		}
	})
	if n == 0 {
		return ErrNotFound
	}
	return r.save()
}

func (r *Registry) AddCategory(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("category name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[name]; ok {
		return fmt.Errorf("%w: category %s", ErrDuplicate, name)
	}
	r.data[name] = []model.Destination{}
	r.order = append(r.order, name)
	return r.save()
}

func (r *Registry) RemoveCategory(name string) error {
	if name == Broadcast {
		return ErrReserved
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, name)
	}
	delete(r.data, name)
	r.order = removeString(r.order, name)
	return r.save()
}

func (r *Registry) RenameCategory(oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if oldName == Broadcast || newName == Broadcast {
		return ErrReserved
	}
	if newName == "" {
		return errors.New("category name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.data[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, oldName)
	}
	if _, taken := r.data[newName]; taken {
		return fmt.Errorf("%w: category %s", ErrDuplicate, newName)
	}
	delete(r.data, oldName)
	r.data[newName] = list
	for i, k := range r.order {
		if k == oldName {
			r.order[i] = newName
		}
	}
	return r.save()
}

func removeString(v []string, s string) []string {
	out := v[:0:0]
	for _, x := range v {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

// Import merges destinations by category. Entries may be URL strings or
// {name, url} objects. Unknown categories are ignored.
func (r *Registry) Import(doc map[string][]json.RawMessage) (ImportStats, error) {
	var st ImportStats
	r.mu.Lock()
	defer r.mu.Unlock()

	cats := make([]string, 0, len(doc))
	for k := range doc {
		cats = append(cats, k)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		list, ok := r.data[cat]
		if !ok {
			continue
		}
		for _, item := range doc[cat] {
			url, name := "", model.DefaultDestinationName
			if json.Unmarshal(item, &url) != nil {
				var d model.Destination
				if json.Unmarshal(item, &d) != nil {
					continue
				}
				url, name = d.URL, d.Name
			}
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			idx := -1
			for i := range list {
				if list[i].URL == url {
					idx = i
					break
				}
			}
			switch {
			case idx < 0:
				if name == "" {
					name = model.DefaultDestinationName
				}
				list = append(list, model.Destination{Name: name, URL: url})
				st.Added++
			case name != "" && name != model.DefaultDestinationName && list[idx].Name != name:
				list[idx].Name = name
				st.Updated++
			default:
				st.Skipped++
			}
		}
		r.data[cat] = list
	}
	return st, r.save()
}
