package server

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"docflow/pkg/domain"
	"docflow/services/processor/internal/app"
)

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		docs, err := s.app.Documents.List(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, docs)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allowUpload(w, r) {
		return
	}
	file, name, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()
	doc, err := s.app.Upload(r.Context(), name, file)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleDocumentByID routes /documents/{id}[/...].
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/documents/")
	if len(parts) == 0 {
		notFound(w, "not found")
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleDocument(w, r, id)
		return
	}
	switch parts[1] {
	case "pages":
		s.handlePages(w, r, id, parts[2:])
	case "annotations":
		s.handleAnnotations(w, r, id, parts[2:])
	case "search":
		s.handleSearch(w, r, id, parts[2:])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if _, err := s.app.Documents.LoadPageMeta(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		doc, err := s.app.Documents.Get(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// pageRequest carries the arguments of every page operation; each
// operation reads the fields it needs.
type pageRequest struct {
	Index   *int            `json:"index"`
	From    *int            `json:"from"`
	To      *int            `json:"to"`
	Degrees int             `json:"degrees"`
	Indices []int           `json:"indices"`
	Axis    string          `json:"axis"`
	Source  *app.SourcePage `json:"source"`
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request, id string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		pages, err := s.app.Documents.LoadPageMeta(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, pages)
		return
	}
	if len(rest) == 2 && rest[1] == "thumbnail" {
		s.handleThumbnail(w, r, id, rest[0])
		return
	}
	if len(rest) != 1 {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req pageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	var (
		doc domain.Document
		err error
	)
	switch rest[0] {
	case "insert":
		if req.Index == nil {
			writeError(w, http.StatusBadRequest, "index is required")
			return
		}
		doc, err = s.app.Pages.Insert(ctx, id, *req.Index, req.Source)
	case "delete":
		if req.Index == nil {
			writeError(w, http.StatusBadRequest, "index is required")
			return
		}
		doc, err = s.app.Pages.Delete(ctx, id, *req.Index)
	case "move":
		if req.From == nil || req.To == nil {
			writeError(w, http.StatusBadRequest, "from and to are required")
			return
		}
		doc, err = s.app.Pages.Move(ctx, id, *req.From, *req.To)
	case "rotate":
		if req.Index == nil {
			writeError(w, http.StatusBadRequest, "index is required")
			return
		}
		doc, err = s.app.Pages.Rotate(ctx, id, *req.Index, req.Degrees)
	case "merge":
		doc, err = s.app.Pages.Merge(ctx, id, req.Indices)
	case "split":
		if req.Index == nil {
			writeError(w, http.StatusBadRequest, "index is required")
			return
		}
		axis := app.Axis(strings.ToLower(strings.TrimSpace(req.Axis)))
		if axis == "" {
			axis = app.AxisVertical
		}
		doc, err = s.app.Pages.Split(ctx, id, *req.Index, axis)
	default:
		notFound(w, "unknown page operation")
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request, id, rawIndex string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, domain.KindInvalidIndex, "page index must be an integer")
		return
	}
	var buf bytes.Buffer
	if err := s.app.RenderThumbnail(r.Context(), id, index, &buf); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request, docID string, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			var page *int
			if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil {
					writeErrorCode(w, http.StatusBadRequest, domain.KindInvalidIndex, "page must be an integer")
					return
				}
				page = &n
			}
			items, err := s.app.Annotations.List(ctx, docID, page)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeList(w, items)
		case http.MethodPost:
			var in app.AnnotationInput
			if !decodeJSON(w, r, &in) {
				return
			}
			ann, err := s.app.Annotations.Add(ctx, docID, in)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, ann)
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(rest) != 1 {
		notFound(w, "not found")
		return
	}
	annID := rest[0]
	switch r.Method {
	case http.MethodPatch:
		var patch app.AnnotationPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		ann, err := s.app.Annotations.Update(ctx, docID, annID, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ann)
	case http.MethodDelete:
		if err := s.app.Annotations.Delete(ctx, docID, annID); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func searchOptions(r *http.Request) domain.SearchOptions {
	return domain.SearchOptions{
		CaseSensitive: queryBool(r, "case"),
		WholeWord:     queryBool(r, "word"),
		Regex:         queryBool(r, "regex"),
		Fuzzy:         queryBool(r, "fuzzy"),
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, docID string, rest []string) {
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		hits, err := s.app.Search.Search(r.Context(), docID, r.URL.Query().Get("q"), searchOptions(r))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, hits)
	case len(rest) == 1 && rest[0] == "index":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		pages, err := s.app.Search.BuildIndex(r.Context(), docID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": docID, "pages": pages})
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleSearchAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	hits, err := s.app.Search.SearchAll(r.Context(), r.URL.Query().Get("q"), searchOptions(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, hits)
}
