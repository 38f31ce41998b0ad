package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

func openTemp(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.json")
	r, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r, path
}

func TestOpenCreatesDefaultCategories(t *testing.T) {
	r, _ := openTemp(t)
	cats := r.Categories()
	if len(cats) != len(DefaultCategories) || cats[0] != "Suno link" || cats[len(cats)-1] != "Facebook link" {
		t.Fatalf("categories = %v", cats)
	}
	if got := r.ByCategory("Suno link"); got != nil {
		t.Fatalf("fresh category = %+v", got)
	}
}

func TestLegacyStringEntriesAreMigrated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	legacy := `{"Suno link": ["https://chat.example/a", {"name":"Lounge","url":"https://chat.example/b","failures":2}], "everyone": ["https://chat.example/a"]}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := r.ByCategory("Suno link")
	if len(got) != 2 || got[0].Name != model.DefaultDestinationName || got[0].URL != "https://chat.example/a" {
		t.Fatalf("migrated = %+v", got)
	}
	if !got[0].Broadcast || got[1].Broadcast {
		t.Fatalf("broadcast flags = %v %v", got[0].Broadcast, got[1].Broadcast)
	}
	if got[1].Failures != 2 {
		t.Fatalf("failures = %d", got[1].Failures)
	}

	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), `"name": "Unnamed Channel"`) {
		t.Fatalf("file not rewritten: %s", b)
	}
}

func TestAddRemoveAndDuplicates(t *testing.T) {
	r, path := openTemp(t)
	if err := r.Add("Suno link", "https://x/1", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add("Suno link", "https://x/1", "again"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("dup err = %v", err)
	}
	if err := r.Add("Nope", "https://x/2", ""); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("unknown err = %v", err)
	}
	if on, err := r.ToggleBroadcast("https://x/1"); err != nil || !on {
		t.Fatalf("toggle = %v, %v", on, err)
	}
	if !r.BroadcastSet()["https://x/1"] {
		t.Fatal("not in broadcast set")
	}

	if err := r.Remove("Suno link", "https://x/1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(r.ByCategory("Suno link")) != 0 || r.BroadcastSet()["https://x/1"] {
		t.Fatal("remove must also clear broadcast membership")
	}

	// Reopen to check persistence.
	r2, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(r2.All()[Broadcast]) != 0 {
		t.Fatalf("reloaded broadcast = %+v", r2.All()[Broadcast])
	}
}

func TestFailureCounterAppliesToEveryList(t *testing.T) {
	r, _ := openTemp(t)
	url := "https://x/shared"
	_ = r.Add("Suno link", url, "Shared")
	_ = r.Add("YouTube link", url, "Shared")
	_, _ = r.ToggleBroadcast(url)

	for i := 0; i < 3; i++ {
		if err := r.IncrementFailure(url); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	for cat, list := range r.All() {
		for _, d := range list {
			if d.URL == url && d.Failures != 3 {
				t.Fatalf("%s failures = %d, want 3", cat, d.Failures)
			}
		}
	}

	if err := r.ResetFailure(url); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d, _ := r.Find(url); d.Failures != 0 {
		t.Fatalf("failures after reset = %d", d.Failures)
	}
	if err := r.IncrementFailure("https://x/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestTogglePause(t *testing.T) {
	r, _ := openTemp(t)
	_ = r.Add("Suno link", "https://x/p", "")
	if p, err := r.TogglePause("https://x/p"); err != nil || !p {
		t.Fatalf("pause = %v, %v", p, err)
	}
	if !r.IsPaused("https://x/p") || !r.ByCategory("Suno link")[0].Paused {
		t.Fatal("expected paused")
	}
	if p, _ := r.TogglePause("https://x/p"); p {
		t.Fatal("expected unpaused")
	}
}

func TestAutoNameOnlyReplacesPlaceholder(t *testing.T) {
	r, _ := openTemp(t)
	_ = r.Add("Suno link", "https://x/a", "")
	_ = r.Add("Suno link", "https://x/b", "Handpicked")

	if changed, err := r.AutoName("https://x/a", "Guild: general"); err != nil || !changed {
		t.Fatalf("auto name a = %v, %v", changed, err)
	}
	if changed, _ := r.AutoName("https://x/b", "Guild: other"); changed {
		t.Fatal("auto name must not override a chosen name")
	}
	list := r.ByCategory("Suno link")
	if list[0].Name != "Guild: general" || list[1].Name != "Handpicked" {
		t.Fatalf("names = %q %q", list[0].Name, list[1].Name)
	}
}

func TestImportCountsAddedUpdatedSkipped(t *testing.T) {
	r, _ := openTemp(t)
	_ = r.Add("Suno link", "https://x/1", "")
	_ = r.Add("Suno link", "https://x/2", "Old")

	var doc map[string][]json.RawMessage
	_ = json.Unmarshal([]byte(`{
	  "Suno link": ["https://x/1", {"name":"New","url":"https://x/2"}, {"name":"Fresh","url":"https://x/3"}, {"url":""}],
	  "Unknown": ["https://x/9"]
	}`), &doc)

	st, err := r.Import(doc)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if st != (ImportStats{Added: 1, Updated: 1, Skipped: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	if len(r.ByCategory("Suno link")) != 3 {
		t.Fatalf("list = %+v", r.ByCategory("Suno link"))
	}
}

func TestCategoryManagement(t *testing.T) {
	r, _ := openTemp(t)
	if err := r.AddCategory("Bandcamp link"); err != nil {
		t.Fatal(err)
	}
	_ = r.Add("Bandcamp link", "https://x/bc", "")
	if err := r.RenameCategory("Bandcamp link", "Bandcamp"); err != nil {
		t.Fatal(err)
	}
	if len(r.ByCategory("Bandcamp")) != 1 {
		t.Fatal("rename lost destinations")
	}
	if err := r.RemoveCategory(Broadcast); !errors.Is(err, ErrReserved) {
		t.Fatalf("remove everyone = %v", err)
	}
	if err := r.RemoveCategory("Bandcamp"); err != nil {
		t.Fatal(err)
	}
	for _, c := range r.Categories() {
		if c == "Bandcamp" {
			t.Fatal("category still listed")
		}
	}
}

func TestUpdateMovesURL(t *testing.T) {
	r, _ := openTemp(t)
	_ = r.Add("Suno link", "https://x/old", "")
	_ = r.Add("Suno link", "https://x/other", "")
	if err := r.Update("https://x/old", "https://x/other", ""); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("conflict err = %v", err)
	}
	if err := r.Update("https://x/old", "https://x/new", "Renamed"); err != nil {
		t.Fatal(err)
	}
	d, ok := r.Find("https://x/new")
	if !ok || d.Name != "Renamed" {
		t.Fatalf("updated = %+v, %v", d, ok)
	}
}
