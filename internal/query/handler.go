package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Handler exposes the projector over HTTP (spec.md §6): GET / for range
// queries, GET /build/<codename>, GET /snapshot/<codename>, and GET
// /favicon.png. favicon is served from favicon, which may be nil.
func (p *Projector) Handler(favicon []byte, renderer SVGRenderer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/favicon.png", func(w http.ResponseWriter, r *http.Request) {
		if favicon == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(favicon) //nolint:errcheck
	})
	mux.HandleFunc("/build/", func(w http.ResponseWriter, r *http.Request) {
		codename := strings.TrimPrefix(r.URL.Path, "/build/")
		p.serveBuild(w, r, codename)
	})
	mux.HandleFunc("/snapshot/", func(w http.ResponseWriter, r *http.Request) {
		codename := strings.TrimPrefix(r.URL.Path, "/snapshot/")
		p.serveSnapshot(w, r, codename)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.serveRange(w, r, renderer)
	})
	return mux
}

func (p *Projector) serveRange(w http.ResponseWriter, r *http.Request, renderer SVGRenderer) {
	q := r.URL.Query()
	activeOnly := q.Has("active_only")

	reports, err := p.Range(r.Context(), q, activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch {
	case q.Has("full"):
		writeJSON(w, toFull(reports))
	case q.Has("json"):
		writeJSON(w, toMinimal(reports))
	case q.Has("dot"):
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		w.Write([]byte(dot(reports))) //nolint:errcheck
	case strings.Contains(r.Header.Get("Accept"), "text/html"):
		page, err := html(reports, renderer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page) //nolint:errcheck
	default:
		writeJSON(w, toMinimal(reports))
	}
}

func (p *Projector) serveBuild(w http.ResponseWriter, r *http.Request, codename string) {
	build, err := p.Build(r.Context(), codename)
	if errors.Is(err, ErrCodenameNotFound) {
		writeError(w, http.StatusNotFound, "Codename '"+codename+"' not found.")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, build)
}

func (p *Projector) serveSnapshot(w http.ResponseWriter, r *http.Request, codename string) {
	noBuild := r.URL.Query().Has("nobuild")
	snap, err := p.Snapshot(r.Context(), codename, noBuild)
	if errors.Is(err, ErrCodenameNotFound) {
		writeError(w, http.StatusNotFound, "Codename '"+codename+"' not found.")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, snap)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.Encode(v) //nolint:errcheck
}

type errorPayload struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorPayload{Error: msg}) //nolint:errcheck
}
