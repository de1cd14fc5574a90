package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

// writeServiceError maps model errors to HTTP status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case models.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case models.IsStateError(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		observability.WithContext(r.Context()).Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
	}
}

// paging reads skip/take with a default page of 20 and at most 100
func paging(r *http.Request) (int, int) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))

	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 20
	}
	if take > 100 {
		take = 100
	}
	return skip, take
}
