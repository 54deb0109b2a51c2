package records

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/joao-brasil/registry-resilience/internal/dberr"
	"github.com/joao-brasil/registry-resilience/internal/executor"
)

// Handler exposes the read side of the store as JSON:
//
//	GET /residents?status=&sex=&household_id=&limit=&offset=
//	GET /residents/{id}
//	GET /households?limit=&offset=
//	GET /households/{id}/members
//	GET /dashboard
func (s *Store) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /residents", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := ResidentFilter{Status: q.Get("status"), Sex: q.Get("sex")}
		var err error
		if f.HouseholdID, err = parseInt(q.Get("household_id")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if f.Limit, f.Offset, err = parsePage(r); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		residents, err := s.ListResidents(r.Context(), f)
		respond(w, residents, err)
	})

	mux.HandleFunc("GET /residents/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := parseInt(r.PathValue("id"))
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid resident id"))
			return
		}
		resident, err := s.GetResident(r.Context(), id)
		respond(w, resident, err)
	})

	mux.HandleFunc("GET /households", func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := parsePage(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		households, err := s.ListHouseholds(r.Context(), Page{Limit: limit, Offset: offset})
		respond(w, households, err)
	})

	mux.HandleFunc("GET /households/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		id, err := parseInt(r.PathValue("id"))
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid household id"))
			return
		}
		members, err := s.HouseholdMembers(r.Context(), id)
		respond(w, members, err)
	})

	mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Dashboard(r.Context(), executor.BatchOptions{})
		respond(w, d, err)
	})

	return mux
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parsePage(r *http.Request) (limit, offset uint64, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, errors.New("invalid limit")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// statusFor maps data-access failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case dberr.IsPoolExhausted(err):
		return http.StatusServiceUnavailable
	case dberr.IsQueryTimeout(err), dberr.IsConnectionTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		log.Printf("[records] Request failed: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[records] Failed to write response: %v", err)
	}
}
