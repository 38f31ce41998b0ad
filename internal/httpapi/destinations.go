package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"postbot/internal/model"
)

var destinationURL = regexp.MustCompile(`^https://discord\.com/channels/(\d+|@me)/\d+$`)

type destinationList struct {
	Categories   []string                       `json:"categories"`
	Destinations map[string][]model.Destination `json:"destinations"`
}

func (s *Server) listing() destinationList {
	return destinationList{Categories: s.d.Registry.Categories(), Destinations: s.d.Registry.All()}
}

// mutate decodes body into req, runs check and fn, then responds with the
// full listing.
func mutate[T any](s *Server, w http.ResponseWriter, r *http.Request, check func(T) error, fn func(T) error) {
	var req T
	if err := decode(w, r, &req); err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := check(req); err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := fn(req); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listing())
}

func required(fields map[string]string) error {
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			return invalid("%s is required", name)
		}
	}
	return nil
}

func (s *Server) handleListDestinations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.listing())
}

type addDestinationRequest struct {
	Category string `json:"category"`
	URL      string `json:"url"`
	Name     string `json:"name"`
}

func (s *Server) handleAddDestination(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r,
		func(req addDestinationRequest) error {
			if err := required(map[string]string{"category": req.Category}); err != nil {
				return err
			}
			if !destinationURL.MatchString(strings.TrimSpace(req.URL)) {
				return invalid("url must look like https://discord.com/channels/GUILD_ID/CHANNEL_ID or https://discord.com/channels/@me/CHANNEL_ID")
			}
			return nil
		},
		func(req addDestinationRequest) error {
			return s.d.Registry.Add(req.Category, strings.TrimSpace(req.URL), req.Name)
		})
}

type categoryURLRequest struct {
	Category string `json:"category"`
	URL      string `json:"url"`
}

func (s *Server) handleRemoveDestination(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r,
		func(req categoryURLRequest) error {
			return required(map[string]string{"category": req.Category, "url": req.URL})
		},
		func(req categoryURLRequest) error { return s.d.Registry.Remove(req.Category, req.URL) })
}

type updateDestinationRequest struct {
	OldURL string `json:"oldUrl"`
	NewURL string `json:"newUrl"`
	Name   string `json:"name"`
}

func (s *Server) handleUpdateDestination(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r,
		func(req updateDestinationRequest) error {
			if err := required(map[string]string{"oldUrl": req.OldURL, "newUrl": req.NewURL, "name": req.Name}); err != nil {
				return err
			}
			if !destinationURL.MatchString(strings.TrimSpace(req.NewURL)) {
				return invalid("newUrl is not a channel URL")
			}
			return nil
		},
		func(req updateDestinationRequest) error {
			return s.d.Registry.Update(req.OldURL, strings.TrimSpace(req.NewURL), req.Name)
		})
}

type renameDestinationRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *Server) handleRenameDestination(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r,
		func(req renameDestinationRequest) error {
			return required(map[string]string{"url": req.URL, "name": req.Name})
		},
		func(req renameDestinationRequest) error { return s.d.Registry.Rename(req.URL, req.Name) })
}

type urlRequest struct {
	URL string `json:"url"`
}

func checkURL(req urlRequest) error { return required(map[string]string{"url": req.URL}) }

func (s *Server) handleResetFailure(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r, checkURL, func(req urlRequest) error { return s.d.Registry.ResetFailure(req.URL) })
}

func (s *Server) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r, checkURL, func(req urlRequest) error {
		_, err := s.d.Registry.TogglePause(req.URL)
		return err
	})
}

func (s *Server) handleToggleBroadcast(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r, checkURL, func(req urlRequest) error {
		_, err := s.d.Registry.ToggleBroadcast(req.URL)
		return err
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var doc map[string][]json.RawMessage
	if err := decode(w, r, &doc); err != nil {
		writeDomainErr(w, err)
		return
	}
	stats, err := s.d.Registry.Import(doc)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type categoryRequest struct {
	Name string `json:"name"`
}

func checkCategory(req categoryRequest) error { return required(map[string]string{"name": req.Name}) }

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r, checkCategory, func(req categoryRequest) error { return s.d.Registry.AddCategory(req.Name) })
}

func (s *Server) handleRemoveCategory(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r, checkCategory, func(req categoryRequest) error { return s.d.Registry.RemoveCategory(req.Name) })
}

type renameCategoryRequest struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

func (s *Server) handleRenameCategory(w http.ResponseWriter, r *http.Request) {
	mutate(s, w, r,
		func(req renameCategoryRequest) error {
			return required(map[string]string{"oldName": req.OldName, "newName": req.NewName})
		},
		func(req renameCategoryRequest) error { return s.d.Registry.RenameCategory(req.OldName, req.NewName) })
}
