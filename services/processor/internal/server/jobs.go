package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"docflow/pkg/domain"
)

type convertRequest struct {
	DocumentID string                   `json:"documentId"`
	Target     string                   `json:"target"`
	Options    domain.ConversionOptions `json:"options"`
}

// handleConvert accepts either a multipart upload ("file" plus "target" and
// option fields) or a JSON body naming a stored document.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowUpload(w, r) {
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		file, name, ok := s.readUpload(w, r)
		if !ok {
			return
		}
		defer file.Close()
		opts, err := formConversionOptions(r)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		res, err := s.app.ConvertUpload(r.Context(), name, file, r.FormValue("target"), opts)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	var req convertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}
	res, err := s.app.ConvertDocument(r.Context(), req.DocumentID, req.Target, req.Options)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func formConversionOptions(r *http.Request) (domain.ConversionOptions, error) {
	opts := domain.ConversionOptions{
		Password:    r.FormValue("password"),
		PageSize:    r.FormValue("pageSize"),
		Orientation: r.FormValue("orientation"),
		OCRMode:     r.FormValue("ocrMode"),
	}
	for _, f := range []struct {
		key string
		dst *int
	}{{"quality", &opts.Quality}, {"dpi", &opts.DPI}} {
		raw := strings.TrimSpace(r.FormValue(f.key))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidOperation, f.key)
		}
		*f.dst = n
	}
	if raw := strings.TrimSpace(r.FormValue("preserveFormatting")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: preserveFormatting must be a boolean", domain.ErrInvalidOperation)
		}
		opts.PreserveFormatting = v
	}
	return opts, nil
}

type submitRequest struct {
	Kind    string            `json:"kind"`
	Inputs  []string          `json:"inputs"`
	Options map[string]string `json:"options"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req submitRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		job, err := s.app.Batch.Submit(r.Context(), req.Kind, req.Inputs, req.Options)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	case http.MethodGet:
		jobs, err := s.app.Batch.List(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, jobs)
	default:
		methodNotAllowed(w)
	}
}

// handleJobByID routes /batch/jobs/{id}[/progress|/cancel].
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/batch/jobs/")
	if len(parts) == 0 || len(parts) > 2 {
		notFound(w, "not found")
		return
	}
	id := parts[0]
	ctx := r.Context()
	if len(parts) == 2 {
		switch parts[1] {
		case "progress":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			p, err := s.app.Batch.Progress(ctx, id)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case "cancel":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			cancelled, err := s.app.Batch.Cancel(ctx, id)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
		default:
			notFound(w, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.app.Batch.Get(ctx, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.app.Batch.Delete(ctx, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeList(w, s.app.Merge.Entries())
	case http.MethodDelete:
		if err := s.app.Merge.Clear(r.Context()); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		methodNotAllowed(w)
	}
}

type queueRequest struct {
	DocumentID string `json:"documentId"`
	PageIndex  *int   `json:"pageIndex"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	EntryID    string `json:"entryId"`
	NewIndex   *int   `json:"newIndex"`
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/merge/queue/")
	if len(parts) != 1 {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req queueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	switch parts[0] {
	case "select":
		if req.PageIndex == nil {
			writeError(w, http.StatusBadRequest, "pageIndex is required")
			return
		}
		entry, err := s.app.Merge.SelectPage(ctx, req.DocumentID, *req.PageIndex)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	case "select-range":
		added, err := s.app.Merge.SelectRange(ctx, req.DocumentID, req.Start, req.End)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, added)
	case "toggle-all":
		selected, err := s.app.Merge.ToggleAll(ctx, req.DocumentID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": req.DocumentID, "selected": selected})
	case "deselect":
		if err := s.app.Merge.Deselect(ctx, req.EntryID); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, s.app.Merge.Entries())
	case "reorder":
		if req.NewIndex == nil {
			writeError(w, http.StatusBadRequest, "newIndex is required")
			return
		}
		if err := s.app.Merge.Reorder(ctx, req.EntryID, *req.NewIndex); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, s.app.Merge.Entries())
	default:
		notFound(w, "unknown queue action")
	}
}

func (s *Server) handleMergeExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var cfg domain.MergeConfig
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &cfg) {
			return
		}
	}
	res, err := s.app.Merge.Merge(r.Context(), cfg)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFile serves objects published to the local store.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/files/")
	path, err := s.files.Path(key)
	if err != nil || key == "" {
		notFound(w, "not found")
		return
	}
	http.ServeFile(w, r, path)
}
