package production

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// NewHandler exposes a MemorySystem over the same HTTP API HTTPClient speaks.
func NewHandler(system *MemorySystem) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/contacts", func(w http.ResponseWriter, r *http.Request) {
		items := []Contact{}
		contact, err := system.FindContactByEmail(r.Context(), r.URL.Query().Get("email"))
		switch {
		case err == nil:
			items = append(items, contact)
		case !errors.Is(err, ErrNotFound):
			writeSystemError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse[Contact]{Items: items})
	})
	mux.HandleFunc("POST /v1/contacts", func(w http.ResponseWriter, r *http.Request) {
		var in NewContact
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_request", "message": err.Error()})
			return
		}
		contact, err := system.CreateContact(r.Context(), in)
		if err != nil {
			writeSystemError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, contact)
	})
	mux.HandleFunc("GET /v1/plans", func(w http.ResponseWriter, r *http.Request) {
		items := []Plan{}
		plan, err := system.FindPlanByReference(r.Context(), r.URL.Query().Get("externalReference"))
		switch {
		case err == nil:
			items = append(items, plan)
		case !errors.Is(err, ErrNotFound):
			writeSystemError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse[Plan]{Items: items})
	})
	mux.HandleFunc("POST /v1/plans", func(w http.ResponseWriter, r *http.Request) {
		var in NewPlan
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_request", "message": err.Error()})
			return
		}
		plan, err := system.CreatePlan(r.Context(), in)
		if err != nil {
			writeSystemError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, plan)
	})
	mux.HandleFunc("GET /v1/plans/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
		planID := r.PathValue("id")
		if _, err := system.ListPlanTaskSequences(r.Context(), planID); err != nil {
			writeSystemError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse[Task]{Items: system.Tasks(planID)})
	})
	mux.HandleFunc("POST /v1/plans/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Tasks []Task `json:"tasks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_request", "message": err.Error()})
			return
		}
		if err := system.CreateTasks(r.Context(), r.PathValue("id"), in.Tasks); err != nil {
			writeSystemError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func writeSystemError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		writeJSON(w, httpErr.StatusCode, map[string]string{"code": httpErr.Code, "message": httpErr.Message})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": err.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "unavailable", "message": strings.TrimSpace(err.Error())})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
