// Package audit keeps a hash-chained trail of gateway events. Each entry
// commits to its predecessor, so editing or dropping an entry breaks the
// chain from that point on.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var genesisHash = strings.Repeat("0", 64)

type Entry struct {
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	Event        string `json:"event"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Sink receives every entry after it is chained.
type Sink interface {
	Write(e *Entry)
}

// SlogSink writes entries as structured log lines.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(e *Entry) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info("audit",
		"seq", e.Seq,
		"event", e.Event,
		"payload", e.Payload,
		"previous_hash", e.PreviousHash,
		"hash", e.Hash,
	)
}

type ChainLogger struct {
	mu           sync.Mutex
	seq          uint64
	previousHash string
	sink         Sink
	now          func() time.Time
}

func NewChainLogger(sink Sink) *ChainLogger {
	return &ChainLogger{previousHash: genesisHash, sink: sink, now: time.Now}
}

// Append chains an event. Fields are rendered as JSON with sorted keys so
// the payload is reproducible.
func (c *ChainLogger) Append(event string, fields map[string]any) *Entry {
	payload, err := json.Marshal(fields)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	c.mu.Lock()
	c.seq++
	e := &Entry{
		Seq:          c.seq,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		Event:        event,
		PreviousHash: c.previousHash,
		Payload:      string(payload),
	}
	e.Hash = entryHash(e.PreviousHash, e)
	c.previousHash = e.Hash
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.Write(e)
	}
	return e
}

// Head is the hash of the latest entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

func entryHash(prev string, e *Entry) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%s", prev, e.Seq, e.Timestamp, e.Event, e.Payload)))
	return hex.EncodeToString(sum[:])
}

// Verify checks that entries form an unbroken chain. It returns the index
// of the first bad entry, or -1.
func Verify(entries []*Entry) int {
	for i, e := range entries {
		prev := e.PreviousHash
		if i > 0 && prev != entries[i-1].Hash {
			return i
		}
		if entryHash(prev, e) != e.Hash {
			return i
		}
	}
	return -1
}
