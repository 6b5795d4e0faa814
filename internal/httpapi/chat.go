package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"llmgated/internal/codec"
	"llmgated/internal/gateway"
	"llmgated/pkg/types"
)

// handleChat streams one generation turn as NDJSON: token delta lines, then
// the chat.completion envelope as the final line. Errors before the first
// delta map to a plain JSON error; errors after become a terminal error line.
func handleChat(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		conversationID := strings.TrimSpace(r.Header.Get("X-Conversation-Id"))
		if conversationID == "" {
			writeJSONError(w, http.StatusBadRequest, "X-Conversation-Id header is required")
			return
		}

		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		lvl := requestLogLevel(r)
		start := time.Now()
		rid := middleware.GetReqID(r.Context())
		if lvl >= LevelInfo {
			zlog.Info().Str("request_id", rid).Str("conversation", conversationID).Msg("chat start")
		}

		// Join server base context with request context so shutdown cancels
		// in-flight generations too.
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		sink := &ndjsonSink{w: w, flush: flush, model: req.Model, conversationID: conversationID, debug: lvl >= LevelDebug}
		svc.Chat(joinedCtx, bearerToken(r), conversationID, req, sink)

		if lvl >= LevelInfo {
			ev := zlog.Info().Str("request_id", rid).Dur("dur", time.Since(start))
			if sink.err != nil {
				ev = ev.Err(sink.err)
			}
			ev.Msg("chat end")
		}
	}
}

// ndjsonSink adapts the dispatcher sink contract onto an NDJSON response
// stream. Headers are written lazily so a pre-stream failure can still use a
// proper status code.
type ndjsonSink struct {
	w              http.ResponseWriter
	flush          func()
	model          string
	conversationID string
	debug          bool

	streamed bool
	err      error
}

func (s *ndjsonSink) begin() {
	if s.streamed {
		return
	}
	s.streamed = true
	s.w.Header().Set("Content-Type", "application/x-ndjson")
	s.w.Header().Set("X-Conversation-Id", s.conversationID)
	s.w.WriteHeader(http.StatusOK)
}

func (s *ndjsonSink) OnToken(delta string) error {
	s.begin()
	line, _ := json.Marshal(map[string]string{"token": delta})
	if s.debug {
		zlog.Debug().Str("conversation", s.conversationID).RawJSON("line", line).Msg("chat delta")
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

func (s *ndjsonSink) OnComplete(full string) {
	s.begin()
	env := codec.Envelope(s.model, full)
	b, _ := json.Marshal(env)
	_, _ = s.w.Write(append(b, '\n'))
	if s.flush != nil {
		s.flush()
	}
}

func (s *ndjsonSink) OnError(err error) {
	s.err = err
	if gateway.IsTooBusy(err) {
		IncrementBackpressure("chat")
	}
	if !s.streamed {
		writeJSONError(s.w, statusFor(err), err.Error())
		return
	}
	// Mid-stream failure: the status line is already out, so the error rides
	// a terminal NDJSON line.
	line, _ := json.Marshal(types.ErrorResponse{Error: err.Error()})
	_, _ = s.w.Write(append(line, '\n'))
	if s.flush != nil {
		s.flush()
	}
}
