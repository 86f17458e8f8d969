package api

import (
	"net/http"
	"strconv"
	"strings"
)

const maxSuggestions = 25

type procedureSuggestion struct {
	Code        int    `json:"drg_cd"`
	Description string `json:"drg_desc"`
}

func handleSuggestProcedures(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Procedures == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PROCEDURES_NOT_CONFIGURED", "procedure catalog is not configured", false, nil)
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "q is required", false, nil)
		return
	}
	limit := 10
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		limit = min(parsed, maxSuggestions)
	}

	procedures, err := deps.Procedures.Suggest(text, limit)
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.Error("procedure suggestion failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SUGGEST_FAILED", "procedure suggestion failed", true, nil)
		return
	}
	suggestions := make([]procedureSuggestion, 0, len(procedures))
	for _, p := range procedures {
		suggestions = append(suggestions, procedureSuggestion{Code: p.Code, Description: p.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": text, "suggestions": suggestions})
}
