package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"llmgated/pkg/types"
)

// tokenRequest is the optional JSON body of POST /v1/token. The X-Caller-Id
// header takes precedence.
type tokenRequest struct {
	CallerID string `json:"caller_id"`
}

// createConversationRequest is the JSON body of POST /v1/conversations.
type createConversationRequest struct {
	SystemInstruction string `json:"system_instruction,omitempty"`
	TTLMs             int64  `json:"ttl_ms,omitempty"`
}

func handleRequestToken(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := strings.TrimSpace(r.Header.Get("X-Caller-Id"))
		if callerID == "" {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			var req tokenRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				callerID = strings.TrimSpace(req.CallerID)
			}
		}
		if callerID == "" {
			writeJSONError(w, http.StatusBadRequest, "caller identity is required")
			return
		}
		writeJSON(w, http.StatusOK, svc.RequestToken(callerID))
	}
}

func handleRevokeToken(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "Invalid API token")
			return
		}
		if !svc.RevokeToken(token) {
			writeJSONError(w, http.StatusNotFound, "token not found")
			return
		}
		writeJSON(w, http.StatusOK, types.SuccessResponse{Success: true})
	}
}

func handleCreateConversation(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req createConversationRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		info, err := svc.CreateConversation(bearerToken(r), req.SystemInstruction, time.Duration(req.TTLMs)*time.Millisecond)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleConversationInfo(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.ConversationInfo(bearerToken(r), chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleCloseConversation(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CloseConversation(bearerToken(r), chi.URLParam(r, "id")); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, types.SuccessResponse{Success: true})
	}
}
