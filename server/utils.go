package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pathParam returns the path segment after prefix, e.g. "/clips/sync/" + id.
func pathParam(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path {
		return ""
	}
	rest, _, _ = strings.Cut(rest, "/")
	return rest
}
