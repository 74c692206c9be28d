package query

import (
	"fmt"
	"strings"

	"github.com/g960059/karl/internal/model"
)

// dot renders reports as a Graphviz DOT digraph: one node per codename, one
// edge per resolved dependency, with unresolved dependencies rendered as
// dashed edges to a synthetic "zombie/<ip>:<port><prefix>" node (spec.md
// §4.5's "?dot" format).
func dot(reports []Report) string {
	var b strings.Builder
	b.WriteString("digraph karl {\n")
	codenameByLocation := make(map[model.ServiceKey]string, len(reports))
	for _, r := range reports {
		color := "green"
		if r.Currently == Down {
			color = "red"
		}
		fmt.Fprintf(&b, "  %q [label=%q color=%s];\n", r.Codename, fmt.Sprintf("%s\\n%s", r.Codename, r.Service), color)
		codenameByLocation[r.Location] = r.Codename
	}
	for _, r := range reports {
		for _, dep := range r.Dependencies {
			if target, ok := codenameByLocation[dep]; ok {
				fmt.Fprintf(&b, "  %q -> %q;\n", r.Codename, target)
			}
		}
		for _, dep := range r.UnresolvedDependencies {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", r.Codename, "zombie/"+dep.Location.String())
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// SVGRenderer is the pure-function collaborator that turns a DOT document
// into SVG bytes. Karl treats the actual rendering as an external concern
// (spec.md §9: "the terminal/SVG renderer (treated as a pure function from
// status → bytes)"); a nil renderer falls back to embedding the raw DOT
// text.
type SVGRenderer func(dot string) ([]byte, error)

// html wraps the DOT rendering of reports in a minimal status page,
// delegating to renderer for the actual SVG bytes when one is configured.
func html(reports []Report, renderer SVGRenderer) ([]byte, error) {
	doc := dot(reports)

	var body string
	if renderer != nil {
		svg, err := renderer(doc)
		if err != nil {
			return nil, fmt.Errorf("query: render svg: %w", err)
		}
		body = string(svg)
	} else {
		body = "<pre>" + escapeHTML(doc) + "</pre>"
	}

	page := "<!DOCTYPE html><html><head><title>Karl</title></head><body>" + body + "</body></html>"
	return []byte(page), nil
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
