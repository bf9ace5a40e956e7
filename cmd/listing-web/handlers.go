package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kalamazoo/listai/internal/bulkjob"
	"github.com/kalamazoo/listai/internal/engine"
	"github.com/kalamazoo/listai/internal/export"
	"github.com/kalamazoo/listai/internal/group"
	"github.com/kalamazoo/listai/internal/history"
	"github.com/kalamazoo/listai/internal/jobs"
	"github.com/kalamazoo/listai/internal/match"
)

// POST /api/batch/reload
func handleReload(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	decodeBody(r, &req)
	if err := session.Reload(r.Context(), req.Force); err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeState(w)
}

// GET /api/batch/state
func handleState(w http.ResponseWriter, r *http.Request) {
	writeState(w)
}

// POST /api/groups/chunk
func handleChunk(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Size int `json:"size"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.ChunkPool(r.Context(), req.Size))
}

// POST /api/groups/move
func handleMove(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		IDs  []string `json:"ids"`
		From string   `json:"from"`
		To   string   `json:"to"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.MoveSelected(r.Context(), req.IDs, req.From, req.To))
}

// POST /api/groups/reorder
func handleReorder(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		GroupID   string `json:"groupId"`
		FromIndex int    `json:"fromIndex"`
		ToIndex   int    `json:"toIndex"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.Reorder(r.Context(), req.GroupID, req.FromIndex, req.ToIndex))
}

// POST /api/groups/delete
func handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		GroupID string `json:"groupId"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.DeleteGroup(r.Context(), req.GroupID))
}

// POST /api/groups/merge
func handleMerge(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		SrcID string `json:"srcId"`
		DstID string `json:"dstId"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.MergeGroups(r.Context(), req.SrcID, req.DstID))
}

// POST /api/groups/promote
func handlePromote(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	id, err := session.PromotePoolSelection(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"groupId": id})
}

// POST /api/groups/select
func handleSelect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Scope   string `json:"scope"`
		ImageID string `json:"imageId"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session.ToggleSelect(req.Scope, req.ImageID)
	writeState(w)
}

// GET /api/groups/export?groupId=...
func handleExportZip(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("groupId")
	g, ok := session.Group(groupID)
	if !ok {
		httpError(w, http.StatusNotFound, "group not found")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.ZipName(g)))

	arena := session.ExportArena()
	if _, err := export.WriteGroupZip(r.Context(), w, photoFetch, arena, g); err != nil {
		// Headers are already out; nothing useful left to send.
		log.Error().Err(err).Str("group", groupID).Msg("Export ZIP failed mid-stream")
	}
}

// POST /api/images/delete
func handleDeleteImages(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.DeleteImages(r.Context(), req.IDs))
}

// POST /api/images/export
func handleSetExport(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		ImageID string `json:"imageId"`
		Export  bool   `json:"export"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.SetExport(r.Context(), req.ImageID, req.Export))
}

// POST /api/match
func handleMatch(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		TargetGroupSize int `json:"targetGroupSize"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondOp(w, session.SmartMatch(r.Context(), req.TargetGroupSize))
}

// POST /api/undo
func handleUndo(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	label, ok := session.Undo(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"undone": ok, "label": label})
}

// POST /api/undo/major
func handleUndoMajor(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	err := session.UndoMajorAction(r.Context())
	switch {
	case errors.Is(err, history.ErrNothingToUndo):
		httpError(w, http.StatusConflict, "nothing to undo")
	case errors.Is(err, history.ErrTokenExpired):
		httpError(w, http.StatusGone, "undo window has expired")
	case err != nil:
		httpError(w, http.StatusBadGateway, err.Error())
	default:
		writeState(w)
	}
}

// POST /api/jobs/start
func handleJobStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Kind    string `json:"kind"`
		GroupID string `json:"groupId"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jobID, err := session.StartBulk(bulkjob.Kind(req.Kind), req.GroupID)
	if err != nil {
		writeOpError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// handleJobRoutes dispatches /api/jobs/{id}/{action}.
func handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := jobs.ParseRoute(r.URL.Path, "/api/jobs/", "bulk-")
	if !ok {
		httpError(w, http.StatusNotFound, "not found")
		return
	}
	if !jobs.CheckOwnership(r, session.BatchID()) {
		httpError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "progress":
		p, err := session.JobProgress(jobID)
		if err != nil {
			writeOpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, p)
	case "report":
		rep, err := session.JobReport(jobID)
		if err != nil {
			writeOpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rep)
	case "items":
		states, err := session.JobItemStates(jobID)
		if err != nil {
			writeOpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, states)
	case "cancel":
		if !requirePost(w, r) {
			return
		}
		if err := session.CancelJob(jobID); err != nil {
			writeOpError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	case "retry":
		if !requirePost(w, r) {
			return
		}
		newID, err := session.RetryFailed(jobID)
		if err != nil {
			writeOpError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"jobId": newID})
	default:
		httpError(w, http.StatusNotFound, "unknown action")
	}
}

// respondOp writes the refreshed state on success or a mapped error.
func respondOp(w http.ResponseWriter, err error) {
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeState(w)
}

// writeOpError maps engine errors onto HTTP statuses: contract violations
// are 400, missing entities 404, busy/stale conflicts 409.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, group.ErrBadChunkSize),
		errors.Is(err, match.ErrTooManyItems),
		errors.Is(err, match.ErrEmptyPool):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, group.ErrGroupNotFound),
		errors.Is(err, engine.ErrNoSuchJob):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, group.ErrGroupLocked),
		errors.Is(err, engine.ErrJobRunning),
		errors.Is(err, engine.ErrJobActive),
		errors.Is(err, bulkjob.ErrNoFailedItems):
		httpError(w, http.StatusConflict, err.Error())
	default:
		httpError(w, http.StatusBadGateway, err.Error())
	}
}

// writeState returns the full grouping state plus item attributes, the
// payload the grid renders from.
func writeState(w http.ResponseWriter) {
	tbl := session.Table()
	items := session.Items()
	tok := session.MajorAction()
	resp := map[string]any{
		"groups": tbl.Groups,
		"pool":   tbl.Pool,
		"items":  items,
	}
	if tok != nil {
		resp["majorAction"] = map[string]any{
			"label":    tok.Label,
			"issuedAt": tok.IssuedAt,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, v any) error {
	defer io.Copy(io.Discard, r.Body)
	return json.NewDecoder(r.Body).Decode(v)
}
