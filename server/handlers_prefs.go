package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/onnwee/chatvox/backend/prefs"
)

// overrideFromQuery reads voice, rate and enabled query parameters as the
// highest-priority preference source.
func overrideFromQuery(r *http.Request) (prefs.Pref, error) {
	var p prefs.Pref
	q := r.URL.Query()
	if v := q.Get("voice"); v != "" {
		p.Voice = &v
	}
	if v := q.Get("rate"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, errors.New("rate must be a number")
		}
		p.Rate = &f
	}
	if v := q.Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, errors.New("enabled must be a boolean")
		}
		p.Enabled = &b
	}
	return p, p.Validate()
}

// HandleTTSGet returns the viewer's stored preference and the effective
// settings after applying the request override, the channel defaults and
// the built-in defaults. Use "*" as the viewer for the channel defaults.
func (h *Handlers) HandleTTSGet(w http.ResponseWriter, r *http.Request) {
	login, viewer := r.PathValue("login"), r.PathValue("viewer")
	override, err := overrideFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": err.Error()})
		return
	}
	stored, err := h.prefs.Get(r.Context(), login, viewer)
	if err != nil && !errors.Is(err, prefs.ErrNotFound) {
		writeError(w, r, err)
		return
	}
	eff, err := prefs.Resolve(r.Context(), h.prefs, login, viewer, override)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": stored, "effective": eff})
}

// HandleTTSPut replaces the viewer's stored preference.
func (h *Handlers) HandleTTSPut(w http.ResponseWriter, r *http.Request) {
	var p prefs.Pref
	if err := decodeJSON(w, r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": err.Error()})
		return
	}
	p.UpdatedAt = nil
	if err := h.prefs.Put(r.Context(), r.PathValue("login"), r.PathValue("viewer"), p); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
