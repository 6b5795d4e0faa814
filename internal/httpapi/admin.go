package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"llmgated/pkg/types"
)

// adminRequest is the JSON body of the approve/deny operations.
type adminRequest struct {
	CallerID string `json:"caller_id"`
}

func decodeAdminRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	callerID := strings.TrimSpace(req.CallerID)
	if callerID == "" {
		writeJSONError(w, http.StatusBadRequest, "caller_id is required")
		return "", false
	}
	return callerID, true
}

func handleApprove(adm Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := decodeAdminRequest(w, r)
		if !ok {
			return
		}
		token, ok := adm.Approve(callerID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "caller not pending")
			return
		}
		writeJSON(w, http.StatusOK, types.TokenResponse{Token: token, Status: "approved"})
	}
}

func handleDeny(adm Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := decodeAdminRequest(w, r)
		if !ok {
			return
		}
		adm.Deny(callerID)
		writeJSON(w, http.StatusOK, types.SuccessResponse{Success: true})
	}
}

func handlePending(adm Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"pending": adm.Pending()})
	}
}
