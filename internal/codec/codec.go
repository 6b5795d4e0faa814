// Package codec translates between the OpenAI-flavored wire format and the
// internal message model: string-or-array content, RFC 2397 data URLs for
// media, and the chat.completion reply envelope.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmgated/pkg/types"
)

// decodeError marks a malformed request payload for 400 mapping.
type decodeError struct{ msg string }

func (e decodeError) Error() string { return e.msg }

// IsDecodeError reports whether err indicates a malformed message payload.
func IsDecodeError(err error) bool {
	_, ok := err.(decodeError)
	return ok
}

// DecodeMessages converts the wire messages into internal messages. An empty
// slice, an unknown role, or a structurally malformed content field is
// rejected. Individual media parts that cannot be decoded are dropped with a
// log entry rather than failing the message.
func DecodeMessages(log zerolog.Logger, wire []types.WireMessage) ([]types.Message, error) {
	if len(wire) == 0 {
		return nil, decodeError{msg: "messages must be a non-empty array"}
	}
	out := make([]types.Message, 0, len(wire))
	for i, wm := range wire {
		m, err := decodeMessage(log, wm)
		if err != nil {
			return nil, decodeError{msg: fmt.Sprintf("messages[%d]: %v", i, err)}
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeMessage(log zerolog.Logger, wm types.WireMessage) (types.Message, error) {
	role, err := decodeRole(wm.Role)
	if err != nil {
		return types.Message{}, err
	}
	parts, err := decodeContent(log, wm.Content)
	if err != nil {
		return types.Message{}, err
	}
	return types.Message{Role: role, Parts: parts}, nil
}

func decodeRole(s string) (types.Role, error) {
	switch types.Role(s) {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		return types.Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// decodeContent accepts the two wire shapes: a bare JSON string, or an array
// of typed part objects. Parts that fail to decode are dropped; if nothing
// survives, the stringified content stands in so the engine receives
// something.
func decodeContent(log zerolog.Logger, raw json.RawMessage) ([]types.Part, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("content is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []types.Part{types.TextPart(s)}, nil
	}
	var wps []types.WirePart
	if err := json.Unmarshal(raw, &wps); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of parts")
	}
	if len(wps) == 0 {
		return nil, fmt.Errorf("content parts must be non-empty")
	}
	parts := make([]types.Part, 0, len(wps))
	for i, wp := range wps {
		p, ok := decodePart(log, i, wp)
		if !ok {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return []types.Part{types.TextPart(string(raw))}, nil
	}
	return parts, nil
}

// decodePart decodes one typed part. Unrecognized types and undecodable
// media do not fail the message; the part is logged and skipped.
func decodePart(log zerolog.Logger, idx int, wp types.WirePart) (types.Part, bool) {
	switch wp.Type {
	case "text":
		return types.TextPart(wp.Text), true
	case "image_url":
		if wp.ImageURL == nil {
			log.Warn().Int("part", idx).Msg("codec: dropping image part without image_url object")
			return types.Part{}, false
		}
		data, mime, err := decodeDataURL(wp.ImageURL.URL)
		if err != nil {
			log.Warn().Err(err).Int("part", idx).Msg("codec: dropping undecodable image part")
			return types.Part{}, false
		}
		return types.ImagePart(data, mime), true
	case "audio_url":
		if wp.AudioURL == nil {
			log.Warn().Int("part", idx).Msg("codec: dropping audio part without audio_url object")
			return types.Part{}, false
		}
		data, mime, err := decodeDataURL(wp.AudioURL.URL)
		if err != nil {
			log.Warn().Err(err).Int("part", idx).Msg("codec: dropping undecodable audio part")
			return types.Part{}, false
		}
		return types.AudioPart(data, mime), true
	}
	log.Warn().Int("part", idx).Str("type", wp.Type).Msg("codec: dropping part of unknown type")
	return types.Part{}, false
}

// decodeDataURL parses an RFC 2397 base64 data URL. Remote http(s) URLs do
// not decode; media arrives inline or not at all.
func decodeDataURL(u string) ([]byte, string, error) {
	const scheme = "data:"
	if !strings.HasPrefix(u, scheme) {
		return nil, "", fmt.Errorf("media URL must be a base64 data URL")
	}
	rest := u[len(scheme):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("malformed data URL")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("data URL must be base64 encoded")
	}
	mime := strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		return nil, "", fmt.Errorf("data URL missing media type")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 payload: %v", err)
	}
	return data, mime, nil
}

// Envelope wraps a finished reply in the chat.completion shape.
func Envelope(model, content string) types.ChatCompletion {
	if model == "" {
		model = "local"
	}
	return types.ChatCompletion{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.ChatChoice{{
			Index:        0,
			Message:      types.ChatMessage{Role: string(types.RoleAssistant), Content: content},
			FinishReason: "stop",
		}},
	}
}
