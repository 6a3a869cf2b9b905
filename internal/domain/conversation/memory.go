package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opirc/remoteagent/internal/infra/llm"
)

const (
	DefaultMaxConversations = 256
	DefaultConversationTTL  = 24 * time.Hour
)

type transcript struct {
	mu   sync.Mutex
	msgs []llm.Message
}

type pin struct {
	t *transcript
	n int
}

// MemoryStore keeps transcripts in a bounded LRU. A conversation idle for
// longer than the TTL, or pushed out by newer ones, is dropped whole
// unless it is pinned.
type MemoryStore struct {
	mu    sync.Mutex // guards get-or-create and pins
	cache *expirable.LRU[string, *transcript]
	pins  map[string]*pin
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Pinner = (*MemoryStore)(nil)
)

// NewMemoryStore returns a MemoryStore. Non-positive arguments select the
// defaults.
func NewMemoryStore(maxConversations int, ttl time.Duration) *MemoryStore {
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, *transcript](maxConversations, nil, ttl),
		pins:  make(map[string]*pin),
	}
}

// Pin keeps id's transcript alive until the matching Unpin, even if the
// LRU evicts or expires the entry meanwhile.
func (s *MemoryStore) Pin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pins[id]; ok {
		p.n++
		return
	}
	t, ok := s.cache.Get(id)
	if !ok {
		t = &transcript{}
	}
	s.pins[id] = &pin{t: t, n: 1}
}

// Unpin releases one Pin. The last one hands the transcript back to the
// LRU as its most recent entry.
func (s *MemoryStore) Unpin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pins[id]
	if !ok {
		return
	}
	if p.n--; p.n > 0 {
		return
	}
	delete(s.pins, id)

	p.t.mu.Lock()
	empty := len(p.t.msgs) == 0
	p.t.mu.Unlock()
	if !empty {
		s.cache.Add(id, p.t)
	}
}

// touch returns the transcript for id, creating it when create is set, and
// refreshes its recency and TTL.
func (s *MemoryStore) touch(id string, create bool) *transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pins[id]; ok {
		s.cache.Add(id, p.t)
		return p.t
	}
	t, ok := s.cache.Get(id)
	if !ok {
		if !create {
			return nil
		}
		t = &transcript{}
	}
	s.cache.Add(id, t)
	return t
}

func (s *MemoryStore) Append(_ context.Context, id string, msg llm.Message) error {
	if id == "" {
		return ErrEmptyConversationID
	}
	t := s.touch(id, true)
	t.mu.Lock()
	t.msgs = append(t.msgs, msg.Clone())
	t.mu.Unlock()
	return nil
}

func (s *MemoryStore) Read(_ context.Context, id string) ([]llm.Message, error) {
	if id == "" {
		return nil, ErrEmptyConversationID
	}
	t := s.touch(id, false)
	if t == nil {
		return []llm.Message{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return llm.CloneMessages(t.msgs), nil
}

func (s *MemoryStore) Trim(_ context.Context, id string, policy TrimPolicy) error {
	if id == "" {
		return ErrEmptyConversationID
	}
	t := s.touch(id, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if start := trimStart(t.msgs, policy.MaxMessages); start > 0 {
		t.msgs = append([]llm.Message(nil), t.msgs[start:]...)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, id string) error {
	if id == "" {
		return ErrEmptyConversationID
	}
	s.mu.Lock()
	s.cache.Remove(id)
	if p, ok := s.pins[id]; ok {
		p.t = &transcript{}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Conversations(_ context.Context) ([]string, error) {
	s.mu.Lock()
	keys := s.cache.Keys()
	for id := range s.pins {
		if _, ok := s.cache.Peek(id); !ok {
			keys = append(keys, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}
