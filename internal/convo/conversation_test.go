package convo

import (
	"testing"
	"time"

	"llmgated/pkg/types"
)

func TestNewConversationDefaults(t *testing.T) {
	c := newConversation("tok", "be brief", 0)
	if c.TTL != DefaultTTL {
		t.Fatalf("expected default TTL, got %v", c.TTL)
	}
	if len(c.ID) != 32 {
		t.Fatalf("expected 32-char hex id, got %q", c.ID)
	}
	if c.Sampling() != types.DefaultSampling() {
		t.Fatalf("expected default sampling, got %+v", c.Sampling())
	}
	if c.IsExpired() {
		t.Fatal("fresh conversation must not be expired")
	}
}

func TestExpiryAndTouch(t *testing.T) {
	c := newConversation("tok", "", 30*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if !c.IsExpired() {
		t.Fatal("expected expiry after TTL elapsed")
	}
	c.Touch()
	if c.IsExpired() {
		t.Fatal("touch must reset the TTL window")
	}
}

func TestHistoryCopySemantics(t *testing.T) {
	c := newConversation("tok", "", time.Minute)
	c.Append(types.Message{Role: types.RoleUser, Parts: []types.Part{types.TextPart("hi")}})
	h := c.History()
	h[0] = types.Message{Role: types.RoleSystem}
	if got := c.History()[0].Role; got != types.RoleUser {
		t.Fatalf("history must be a copy, got mutated role %q", got)
	}
	if c.HistoryLen() != 1 {
		t.Fatalf("expected 1 message, got %d", c.HistoryLen())
	}
}

func TestInfoRemainingClamp(t *testing.T) {
	c := newConversation("tok", "", 30*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	info := c.Info()
	if info.RemainingTTLMs != 0 {
		t.Fatalf("expected clamped remaining, got %d", info.RemainingTTLMs)
	}
	if info.ExpiresAt != info.LastAccessTime+info.TTLMs {
		t.Fatalf("expires_at mismatch: %+v", info)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	c := newConversation("tok", "sys", 2*time.Minute)
	c.Append(
		types.Message{Role: types.RoleUser, Parts: []types.Part{types.TextPart("q")}},
		types.Message{Role: types.RoleAssistant, Parts: []types.Part{types.TextPart("a")}},
	)
	c.SetSampling(types.Sampling{Temperature: 0.2, TopP: 0.5, TopK: 10})

	got := fromRecord(c.record())
	if got.ID != c.ID || got.OwnerToken != "tok" || got.SystemInstruction != "sys" {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.TTL != 2*time.Minute {
		t.Fatalf("ttl mismatch: %v", got.TTL)
	}
	if got.HistoryLen() != 2 {
		t.Fatalf("history mismatch: %d", got.HistoryLen())
	}
	if got.Sampling() != c.Sampling() {
		t.Fatalf("sampling mismatch: %+v", got.Sampling())
	}
}

func TestFromRecordDefaults(t *testing.T) {
	c := fromRecord(conversationRecord{ConversationID: "x", OwnerToken: "t"})
	if c.TTL != DefaultTTL {
		t.Fatalf("expected default TTL, got %v", c.TTL)
	}
	if c.Sampling() != types.DefaultSampling() {
		t.Fatalf("expected default sampling, got %+v", c.Sampling())
	}
}
