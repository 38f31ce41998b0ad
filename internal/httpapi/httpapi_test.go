package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"postbot/internal/batch"
	"postbot/internal/model"
	"postbot/internal/queue"
	"postbot/internal/registry"
	logx "postbot/pkg/logx"
)

type fakeQueue struct {
	mu      sync.Mutex
	reqs    []model.JobRequest
	stopped bool
}

func (q *fakeQueue) Enqueue(req model.JobRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", queue.ErrStopped
	}
	q.reqs = append(q.reqs, req)
	return "job-1", nil
}

func (q *fakeQueue) Snapshot() []model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Job, len(q.reqs))
	for i, r := range q.reqs {
		out[i] = model.Job{ID: "job-1", Status: model.JobPending, Message: r.Message, PostType: r.PostType}
	}
	return out
}

func (q *fakeQueue) Len() int         { return len(q.Snapshot()) }
func (q *fakeQueue) Processing() bool { return false }

type fakeKnob struct{ n int }

func (k *fakeKnob) Concurrency() int { return k.n }
func (k *fakeKnob) SetConcurrency(n int) error {
	if n < batch.MinConcurrency || n > batch.MaxConcurrency {
		return batch.ErrInvalidConcurrency
	}
	k.n = n
	return nil
}

type fakeSession struct{ exists bool }

func (s *fakeSession) Exists() bool  { return s.exists }
func (s *fakeSession) Logout() error { s.exists = false; return nil }

type fakeHistory []model.Outcome

func (h fakeHistory) RecentOutcomes(_ context.Context, limit int) ([]model.Outcome, error) {
	if limit < len(h) {
		return h[:limit], nil
	}
	return h, nil
}

type fakeFeed struct{ ch chan logx.Entry }

func (f fakeFeed) Subscribe(int) (<-chan logx.Entry, func()) { return f.ch, func() {} }

type env struct {
	srv     *Server
	h       http.Handler
	q       *fakeQueue
	reg     *registry.Registry
	knob    *fakeKnob
	session *fakeSession
	uploads string
}

func newEnv(t *testing.T, mod func(*Config)) *env {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "channels.json"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		q:       &fakeQueue{},
		reg:     reg,
		knob:    &fakeKnob{n: 3},
		session: &fakeSession{exists: true},
		uploads: filepath.Join(dir, "uploads"),
	}
	cfg := Config{UploadDir: e.uploads, MaxUploadFiles: 2, MaxUploadBytes: 1024}
	if mod != nil {
		mod(&cfg)
	}
	e.srv = New(cfg, Deps{
		Queue:       e.q,
		Registry:    reg,
		Concurrency: e.knob,
		Session:     e.session,
		History:     fakeHistory{{JobID: "a", Success: 2}, {JobID: "b", Failed: 1}},
		Logs:        fakeFeed{ch: make(chan logx.Entry, 4)},
	})
	e.h = e.srv.Router()
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func TestCreateJobValidation(t *testing.T) {
	e := newEnv(t, nil)
	cases := []struct {
		body string
		code int
	}{
		{`{"message":"hi","postType":"Suno link"}`, http.StatusAccepted},
		{`{"message":"  ","postType":"Suno link"}`, http.StatusBadRequest},
		{`{"message":"hi"}`, http.StatusBadRequest},
		{`{"message":"hi","postType":"Nope"}`, http.StatusBadRequest},
		{`{"message":"hi","postType":"Suno link","extra":1}`, http.StatusBadRequest},
		{`{"message":"hi","postType":"Suno link","attachments":[{"path":"/etc/passwd"}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := e.do(t, http.MethodPost, "/api/jobs", tc.body); rec.Code != tc.code {
			t.Fatalf("%s: code=%d body=%s", tc.body, rec.Code, rec.Body)
		}
	}
	if len(e.q.reqs) != 1 || e.q.reqs[0].Type != model.TaskPost {
		t.Fatalf("queued = %+v", e.q.reqs)
	}

	e.q.stopped = true
	if rec := e.do(t, http.MethodPost, "/api/jobs", cases[0].body); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped queue code=%d", rec.Code)
	}
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(data)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadThenAttach(t *testing.T) {
	e := newEnv(t, nil)
	body, ct := multipartBody(t, map[string][]byte{"my cover!.PNG": []byte("png-bytes")})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload code=%d body=%s", rec.Code, rec.Body)
	}
	var resp struct {
		Files []model.Attachment `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	a := resp.Files[0]
	if a.OriginalName != "my cover!.PNG" || a.Size != 9 {
		t.Fatalf("attachment = %+v", a)
	}
	base := filepath.Base(a.Path)
	if !strings.HasPrefix(base, "my_cover_-") || !strings.HasSuffix(base, ".png") {
		t.Fatalf("stored name = %s", base)
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Fatalf("stored file: %v", err)
	}

	job, _ := json.Marshal(map[string]any{"message": "new track", "postType": "Suno link", "attachments": resp.Files})
	if rec := e.do(t, http.MethodPost, "/api/jobs", string(job)); rec.Code != http.StatusAccepted {
		t.Fatalf("job code=%d body=%s", rec.Code, rec.Body)
	}
	if got := e.q.reqs[0].Attachments; len(got) != 1 || got[0].Path != a.Path {
		t.Fatalf("attachments = %+v", got)
	}
}

func TestUploadLimits(t *testing.T) {
	e := newEnv(t, nil)
	post := func(files map[string][]byte) int {
		body, ct := multipartBody(t, files)
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		e.h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := post(map[string][]byte{"big.bin": bytes.Repeat([]byte("x"), 2048)}); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized code=%d", code)
	}
	three := map[string][]byte{"a.txt": []byte("a"), "b.txt": []byte("b"), "c.txt": []byte("c")}
	if code := post(three); code != http.StatusBadRequest {
		t.Fatalf("too many files code=%d", code)
	}
	if code := post(map[string][]byte{}); code != http.StatusBadRequest {
		t.Fatalf("empty upload code=%d", code)
	}
}

func TestDestinationLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	url := "https://discord.com/channels/123/456"

	add := `{"category":"Suno link","url":"` + url + `"}`
	if rec := e.do(t, http.MethodPost, "/api/destinations/add", add); rec.Code != http.StatusOK {
		t.Fatalf("add code=%d body=%s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodPost, "/api/destinations/add", add); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate code=%d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/destinations/add", `{"category":"Suno link","url":"https://example.com/x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad url code=%d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/destinations/add", `{"category":"Nope","url":"`+url+`"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown category code=%d", rec.Code)
	}

	for _, path := range []string{"/api/destinations/toggle-pause", "/api/destinations/toggle-broadcast"} {
		if rec := e.do(t, http.MethodPost, path, `{"url":"`+url+`"}`); rec.Code != http.StatusOK {
			t.Fatalf("%s code=%d body=%s", path, rec.Code, rec.Body)
		}
	}
	if !e.reg.IsPaused(url) || !e.reg.BroadcastSet()[url] {
		t.Fatal("toggles not applied")
	}

	rec := e.do(t, http.MethodPost, "/api/destinations/rename", `{"url":"`+url+`","name":"Lounge"}`)
	var list destinationList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if got := list.Destinations["Suno link"]; len(got) != 1 || got[0].Name != "Lounge" {
		t.Fatalf("listing = %+v", list.Destinations["Suno link"])
	}

	if rec := e.do(t, http.MethodPost, "/api/destinations/reset-failure", `{"url":"https://discord.com/channels/1/2"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("reset unknown code=%d body=%s", rec.Code, rec.Body)
	}
}

func TestCategoryRoutes(t *testing.T) {
	e := newEnv(t, nil)
	if rec := e.do(t, http.MethodPost, "/api/categories/add", `{"name":"Bandcamp link"}`); rec.Code != http.StatusOK {
		t.Fatalf("add code=%d body=%s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodPost, "/api/categories/rename", `{"oldName":"Bandcamp link","newName":"BC link"}`); rec.Code != http.StatusOK {
		t.Fatalf("rename code=%d body=%s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodPost, "/api/categories/remove", `{"name":"everyone"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("remove reserved code=%d", rec.Code)
	}
	cats := e.reg.Categories()
	if cats[len(cats)-1] != "BC link" {
		t.Fatalf("categories = %v", cats)
	}
}

func TestImportReturnsStats(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/api/destinations/import",
		`{"Suno link":["https://discord.com/channels/1/2",{"name":"B","url":"https://discord.com/channels/1/3"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	var st registry.ImportStats
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Added != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestConcurrencyAdmin(t *testing.T) {
	e := newEnv(t, nil)
	if rec := e.do(t, http.MethodPut, "/api/admin/concurrency", `{"value":5}`); rec.Code != http.StatusOK || e.knob.n != 5 {
		t.Fatalf("set code=%d n=%d", rec.Code, e.knob.n)
	}
	for _, v := range []string{"0", "6"} {
		if rec := e.do(t, http.MethodPut, "/api/admin/concurrency", `{"value":`+v+`}`); rec.Code != http.StatusBadRequest {
			t.Fatalf("value %s code=%d", v, rec.Code)
		}
	}
	rec := e.do(t, http.MethodGet, "/api/admin/concurrency", "")
	if strings.TrimSpace(rec.Body.String()) != `{"value":5}` {
		t.Fatalf("get body=%s", rec.Body)
	}
}

func TestSessionAndHistory(t *testing.T) {
	e := newEnv(t, nil)
	if rec := e.do(t, http.MethodDelete, "/api/session", ""); rec.Code != http.StatusOK || e.session.exists {
		t.Fatalf("logout code=%d", rec.Code)
	}
	rec := e.do(t, http.MethodGet, "/api/jobs/history?limit=1", "")
	var resp struct {
		Outcomes []model.Outcome `json:"outcomes"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Outcomes) != 1 || resp.Outcomes[0].JobID != "a" {
		t.Fatalf("history = %+v", resp.Outcomes)
	}
	if rec := e.do(t, http.MethodGet, "/api/jobs/history?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code=%d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/api/schedules/daily/run", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("no schedules code=%d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, func(c *Config) { c.Username = "admin"; c.PasswordHash = string(hash) })

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("anonymous code=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password code=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized code=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz needs no auth, code=%d", rec.Code)
	}

	// plain passwords apply on the next request after Apply
	e.srv.Apply(Config{Username: "admin", Password: "plain"})
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.SetBasicAuth("admin", "plain")
	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reloaded credentials code=%d", rec.Code)
	}
}

func TestLogStream(t *testing.T) {
	e := newEnv(t, nil)
	feed := e.srv.d.Logs.(fakeFeed)
	feed.ch <- logx.Entry{Time: time.Now(), Level: "info", Message: "job added to queue"}

	ts := httptest.NewServer(e.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/logs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var got logx.Entry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
			t.Fatal(err)
		}
		if got.Message != "job added to queue" || got.Level != "info" {
			t.Fatalf("entry = %+v", got)
		}
		return
	}
	t.Fatalf("stream ended without data: %v", sc.Err())
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	off := newEnv(t, nil)
	if rec := off.do(t, http.MethodGet, "/api/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled code=%d", rec.Code)
	}
	on := newEnv(t, func(c *Config) { c.Pprof = true })
	if rec := on.do(t, http.MethodGet, "/api/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("enabled code=%d", rec.Code)
	}
}
