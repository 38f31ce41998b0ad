package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

var (
	unsafeName = regexp.MustCompile(`[^a-zA-Z0-9]`)
	safeExt    = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
)

// storedName keeps the original base name recognizable and appends a unique suffix.
func storedName(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	base := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	base = unsafeName.ReplaceAllString(base, "_")
	if len(base) > 64 {
		base = base[:64]
	}
	if base == "" {
		base = "file"
	}
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	return base + "-" + uuid.NewString() + ext
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	limit := int64(cfg.MaxUploadFiles)*cfg.MaxUploadBytes + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", limit))
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["files"]
	switch {
	case len(files) == 0:
		writeErr(w, http.StatusBadRequest, errors.New("no files uploaded"))
		return
	case len(files) > cfg.MaxUploadFiles:
		writeErr(w, http.StatusBadRequest, fmt.Errorf("at most %d files per upload", cfg.MaxUploadFiles))
		return
	}
	for _, fh := range files {
		if fh.Size > cfg.MaxUploadBytes {
			writeErr(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("%s exceeds %d bytes", fh.Filename, cfg.MaxUploadBytes))
			return
		}
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("upload dir: %w", err))
		return
	}

	out := make([]model.Attachment, 0, len(files))
	for _, fh := range files {
		a, err := saveUpload(cfg.UploadDir, fh)
		if err != nil {
			for _, prev := range out {
				_ = os.Remove(prev.Path)
			}
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, a)
	}
	s.log.Info("files uploaded", logx.Int("count", len(out)))
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

func saveUpload(dir string, fh *multipart.FileHeader) (model.Attachment, error) {
	src, err := fh.Open()
	if err != nil {
		return model.Attachment{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer src.Close()

	path := filepath.Join(dir, storedName(fh.Filename))
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("store %s: %w", fh.Filename, err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return model.Attachment{}, fmt.Errorf("store %s: %w", fh.Filename, err)
	}

	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(path))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	return model.Attachment{Path: path, OriginalName: fh.Filename, Size: n, MimeType: ct}, nil
}

type createJobRequest struct {
	Message     string             `json:"message"`
	PostType    string             `json:"postType"`
	Attachments []model.Attachment `json:"attachments"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := s.validateJob(req); err != nil {
		writeDomainErr(w, err)
		return
	}
	id, err := s.d.Queue.Enqueue(model.JobRequest{
		Type:        model.TaskPost,
		Message:     req.Message,
		PostType:    req.PostType,
		Attachments: req.Attachments,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id, "queued": s.d.Queue.Len()})
}

func (s *Server) validateJob(req createJobRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return invalid("message is required")
	}
	if req.PostType == "" {
		return invalid("postType is required")
	}
	if !slices.Contains(s.d.Registry.Categories(), req.PostType) {
		return invalid("unknown postType %q", req.PostType)
	}
	dir, err := filepath.Abs(s.config().UploadDir)
	if err != nil {
		return err
	}
	for _, a := range req.Attachments {
		p, err := filepath.Abs(a.Path)
		if err != nil || !strings.HasPrefix(p, dir+string(filepath.Separator)) {
			return invalid("attachment %q is not an uploaded file", a.Path)
		}
		if _, err := os.Stat(p); err != nil {
			return invalid("attachment %q: %v", a.OriginalName, err)
		}
	}
	return nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"processing": s.d.Queue.Processing(),
		"jobs":       s.d.Queue.Snapshot(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeErr(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	out, err := s.d.History.RecentOutcomes(r.Context(), limit)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if out == nil {
		out = []model.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": out})
}
