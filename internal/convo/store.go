package convo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Store persists conversations as one JSON file each under dir. Writes are
// asynchronous but serialized per conversation by a single writer goroutine
// per id, so a slow disk never torn-writes a record. Write failures are
// logged and never fail the initiating operation.
type Store struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	writers map[string]chan []byte
	wg      sync.WaitGroup
}

// NewStore creates the conversation directory if needed.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, log: log, writers: make(map[string]chan []byte)}, nil
}

// Save snapshots and enqueues the conversation for writing.
func (st *Store) Save(c *Conversation) {
	rec := c.record()
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		st.log.Warn().Err(err).Str("conversation", c.ID).Msg("convo: marshal failed")
		return
	}
	st.wg.Add(1)
	st.writer(c.ID) <- b
}

// Delete removes the conversation file. The removal goes through the same
// per-conversation queue as writes, so a queued save can never resurrect a
// deleted record.
func (st *Store) Delete(conversationID string) {
	st.wg.Add(1)
	st.writer(conversationID) <- nil
}

// LoadAll enumerates the directory, dropping expired or unparsable entries
// (expired files are deleted on the spot).
func (st *Store) LoadAll() []*Conversation {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		st.log.Warn().Err(err).Msg("convo: read conversation dir failed")
		return nil
	}
	var out []*Conversation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p := filepath.Join(st.dir, e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			st.log.Warn().Err(err).Str("file", e.Name()).Msg("convo: read failed")
			continue
		}
		var rec conversationRecord
		if err := json.Unmarshal(b, &rec); err != nil || rec.ConversationID == "" {
			st.log.Warn().Str("file", e.Name()).Msg("convo: skipping unparsable record")
			continue
		}
		c := fromRecord(rec)
		if c.IsExpired() {
			_ = os.Remove(p)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Flush blocks until all queued writes have hit disk.
func (st *Store) Flush() {
	st.wg.Wait()
}

func (st *Store) path(conversationID string) string {
	return filepath.Join(st.dir, conversationID+".json")
}

// writer returns the per-conversation write queue, starting its goroutine on
// first use.
func (st *Store) writer(conversationID string) chan []byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ch, ok := st.writers[conversationID]; ok {
		return ch
	}
	ch := make(chan []byte, 8)
	st.writers[conversationID] = ch
	p := st.path(conversationID)
	go func() {
		for b := range ch {
			if b == nil {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					st.log.Warn().Err(err).Str("conversation", conversationID).Msg("convo: delete failed")
				}
			} else if err := os.WriteFile(p, b, 0o600); err != nil {
				st.log.Warn().Err(err).Str("conversation", conversationID).Msg("convo: write failed")
			}
			st.wg.Done()
		}
	}()
	return ch
}
