package types

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind discriminates the content part variants.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartAudio PartKind = "audio"
)

// Part is one piece of multimodal message content. Text is set for text
// parts; Data and MIME are set for binary parts.
type Part struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	Data []byte   `json:"data,omitempty"`
	MIME string   `json:"mime,omitempty"`
}

// TextPart builds a text content part.
func TextPart(s string) Part { return Part{Kind: PartText, Text: s} }

// ImagePart builds an image content part from raw bytes and a MIME type.
func ImagePart(data []byte, mime string) Part { return Part{Kind: PartImage, Data: data, MIME: mime} }

// AudioPart builds an audio content part from raw bytes and a MIME type.
func AudioPart(data []byte, mime string) Part { return Part{Kind: PartAudio, Data: data, MIME: mime} }

// Message is one turn entry in a conversation history. Parts is ordered and
// non-empty.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text concatenates the textual parts of the message. Binary parts are
// skipped.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Sampling holds generation sampling parameters attached to a conversation.
// Values compare exactly; any change forces an engine rebuild.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

// DefaultSampling returns the sampling parameters applied to new
// conversations.
func DefaultSampling() Sampling {
	return Sampling{Temperature: 0.8, TopP: 0.95, TopK: 40}
}
