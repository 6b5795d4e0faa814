package convo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"llmgated/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	st := newTestStore(t)
	c := newConversation("tok", "sys", time.Minute)
	c.Append(types.Message{Role: types.RoleUser, Parts: []types.Part{types.TextPart("hello")}})
	st.Save(c)
	st.Flush()

	loaded := st.LoadAll()
	if len(loaded) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != c.ID || got.OwnerToken != "tok" || got.HistoryLen() != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestStoreDeleteWinsOverQueuedSave(t *testing.T) {
	st := newTestStore(t)
	c := newConversation("tok", "", time.Minute)
	st.Save(c)
	st.Delete(c.ID)
	st.Flush()

	if got := st.LoadAll(); len(got) != 0 {
		t.Fatalf("expected deleted record to stay gone, got %d", len(got))
	}
}

func TestLoadAllDropsExpiredAndUnparsable(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	live := newConversation("tok", "", time.Minute)
	st.Save(live)
	expired := newConversation("tok", "", 10*time.Millisecond)
	st.Save(expired)
	st.Flush()
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	loaded := st.LoadAll()
	if len(loaded) != 1 || loaded[0].ID != live.ID {
		t.Fatalf("expected only the live conversation, got %d", len(loaded))
	}
	// The expired record file is removed on the spot.
	if _, err := os.Stat(filepath.Join(dir, expired.ID+".json")); !os.IsNotExist(err) {
		t.Fatalf("expected expired file removed, stat err=%v", err)
	}
}
