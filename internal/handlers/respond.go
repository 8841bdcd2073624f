// Package handlers implements the HTTP handlers for every route the API
// serves. Handlers are factories taking their dependencies explicitly and
// returning http.HandlerFunc closures; all wiring happens in the server.
package handlers

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v with the given status. Encoding errors are unrecoverable
// at this point (headers already sent) and are deliberately dropped.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform {error: <message>} body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody parses the request body into dst. The verbose flag surfaces the
// parser's own message; production deployments keep it generic.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, verbose bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		msg := "Invalid JSON body"
		if verbose {
			msg = "Invalid JSON body: " + err.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}
