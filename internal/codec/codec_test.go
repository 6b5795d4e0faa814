package codec

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"llmgated/pkg/types"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func decode(wire []types.WireMessage) ([]types.Message, error) {
	return DecodeMessages(zerolog.Nop(), wire)
}

func TestDecodeStringContent(t *testing.T) {
	msgs, err := decode([]types.WireMessage{
		{Role: "user", Content: raw(`"hello"`)},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, types.RoleUser, msgs[0].Role)
	require.Equal(t, []types.Part{types.TextPart("hello")}, msgs[0].Parts)
}

func TestDecodePartArray(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	content := `[
		{"type":"text","text":"what is this?"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,` + png + `"}}
	]`
	msgs, err := decode([]types.WireMessage{{Role: "user", Content: raw(content)}})
	require.NoError(t, err)
	require.Len(t, msgs[0].Parts, 2)
	require.Equal(t, types.PartText, msgs[0].Parts[0].Kind)
	img := msgs[0].Parts[1]
	require.Equal(t, types.PartImage, img.Kind)
	require.Equal(t, "image/png", img.MIME)
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, img.Data)
}

func TestDecodeAudioPart(t *testing.T) {
	wav := base64.StdEncoding.EncodeToString([]byte("RIFF"))
	content := `[{"type":"audio_url","audio_url":{"url":"data:audio/wav;base64,` + wav + `"}}]`
	msgs, err := decode([]types.WireMessage{{Role: "user", Content: raw(content)}})
	require.NoError(t, err)
	require.Equal(t, types.PartAudio, msgs[0].Parts[0].Kind)
	require.Equal(t, "audio/wav", msgs[0].Parts[0].MIME)
}

func TestDecodeRejections(t *testing.T) {
	cases := []struct {
		name string
		wire []types.WireMessage
	}{
		{"empty messages", nil},
		{"unknown role", []types.WireMessage{{Role: "tool", Content: raw(`"x"`)}}},
		{"missing content", []types.WireMessage{{Role: "user"}}},
		{"content wrong type", []types.WireMessage{{Role: "user", Content: raw(`42`)}}},
		{"empty part array", []types.WireMessage{{Role: "user", Content: raw(`[]`)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decode(tc.wire)
			require.Error(t, err)
			require.True(t, IsDecodeError(err), "want decode error, got %v", err)
		})
	}
}

func TestDecodeDropsUndecodableParts(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown part type", `[{"type":"video_url"}]`},
		{"remote image url", `[{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]`},
		{"data url not base64", `[{"type":"image_url","image_url":{"url":"data:image/png,abc"}}]`},
		{"data url missing mime", `[{"type":"image_url","image_url":{"url":"data:;base64,YWJj"}}]`},
		{"data url bad payload", `[{"type":"image_url","image_url":{"url":"data:image/png;base64,%%%"}}]`},
		{"image part missing object", `[{"type":"image_url"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgs, err := decode([]types.WireMessage{{Role: "user", Content: raw(tc.content)}})
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			// Every part was dropped, so the stringified content stands in.
			require.Equal(t, []types.Part{types.TextPart(tc.content)}, msgs[0].Parts)
		})
	}
}

func TestDecodeDropKeepsSurvivingParts(t *testing.T) {
	content := `[
		{"type":"text","text":"look at this"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
	]`
	msgs, err := decode([]types.WireMessage{{Role: "user", Content: raw(content)}})
	require.NoError(t, err)
	require.Equal(t, []types.Part{types.TextPart("look at this")}, msgs[0].Parts)
}

func TestDecodeErrorNamesOffendingMessage(t *testing.T) {
	_, err := decode([]types.WireMessage{
		{Role: "user", Content: raw(`"fine"`)},
		{Role: "oracle", Content: raw(`"bad"`)},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "messages[1]")
}

func TestEnvelope(t *testing.T) {
	env := Envelope("llama-3b", "the answer")
	require.True(t, strings.HasPrefix(env.ID, "chatcmpl-"))
	require.NotContains(t, strings.TrimPrefix(env.ID, "chatcmpl-"), "-")
	require.Equal(t, "chat.completion", env.Object)
	require.Equal(t, "llama-3b", env.Model)
	require.NotZero(t, env.Created)
	require.Len(t, env.Choices, 1)
	require.Equal(t, "the answer", env.Choices[0].Message.Content)
	require.Equal(t, "stop", env.Choices[0].FinishReason)
}

func TestEnvelopeDefaultModel(t *testing.T) {
	require.Equal(t, "local", Envelope("", "x").Model)
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	require.NotEqual(t, Envelope("m", "a").ID, Envelope("m", "b").ID)
}
