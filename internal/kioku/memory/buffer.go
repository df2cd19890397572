package memory

import (
	"hash/fnv"
	"sync"
	"time"
)

// DefaultBufferCapacity is the number of exchanges kept per session when no
// capacity is configured.
const DefaultBufferCapacity = 20

// bufferShards is the number of independently locked partitions of the
// session map. Sessions of different owners only contend when they hash to
// the same shard, and only for the duration of a map lookup.
const bufferShards = 32

// BufferConfig holds configuration for the ShortTermBuffer.
type BufferConfig struct {
	// Capacity is the maximum number of exchanges kept per owner. When an
	// append would exceed it, the oldest exchanges are evicted.
	// Default: 20.
	Capacity int

	// Now is the clock used to stamp exchanges that arrive without a
	// timestamp and to track idle sessions. Default: time.Now.
	Now func() time.Time
}

// ShortTermBuffer holds the most recent exchanges of every active session,
// keyed by owner. It is safe for concurrent use; operations on different
// owners never serialise on a shared lock.
type ShortTermBuffer struct {
	capacity int
	now      func() time.Time
	shards   [bufferShards]bufferShard
}

type bufferShard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// session is the per-owner buffer. Once dead is set the session has been
// detached from its shard and must not be written to; writers retry against
// a fresh session.
type session struct {
	mu           sync.Mutex
	owner        OwnerKey
	exchanges    []Exchange
	lastActivity time.Time
	dead         bool
}

// NewShortTermBuffer creates a ShortTermBuffer with the given configuration.
func NewShortTermBuffer(cfg BufferConfig) *ShortTermBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultBufferCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &ShortTermBuffer{capacity: cfg.Capacity, now: cfg.Now}
	for i := range b.shards {
		b.shards[i].sessions = make(map[string]*session)
	}
	return b
}

// Capacity returns the per-owner exchange limit.
func (b *ShortTermBuffer) Capacity() int { return b.capacity }

// Append adds one exchange to the owner's buffer, evicting the oldest
// exchanges beyond capacity.
func (b *ShortTermBuffer) Append(owner OwnerKey, ex Exchange) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	b.withSession(owner, func(s *session) {
		b.push(s, ex)
	})
	return nil
}

// AppendTurn adds a user exchange followed by an assistant exchange inside a
// single critical section, so a concurrent Clear never observes half a turn.
// Roles are forced to user and assistant. Caller timestamps are kept; zero
// timestamps are both stamped with the same buffer clock reading.
func (b *ShortTermBuffer) AppendTurn(owner OwnerKey, user, assistant Exchange) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	user.Role, assistant.Role = RoleUser, RoleAssistant
	b.withSession(owner, func(s *session) {
		now := b.now()
		if user.Timestamp.IsZero() {
			user.Timestamp = now
		}
		if assistant.Timestamp.IsZero() {
			assistant.Timestamp = now
		}
		b.push(s, user)
		b.push(s, assistant)
	})
	return nil
}

// Read returns up to limit of the owner's most recent exchanges in
// chronological order. A limit of zero or less returns the whole buffer.
// Unknown owners yield an empty result.
func (b *ShortTermBuffer) Read(owner OwnerKey, limit int) []Exchange {
	s := b.lookup(owner)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return nil
	}
	xs := s.exchanges
	if limit > 0 && limit < len(xs) {
		xs = xs[len(xs)-limit:]
	}
	out := make([]Exchange, len(xs))
	copy(out, xs)
	return out
}

// Len returns the number of exchanges currently held for owner.
func (b *ShortTermBuffer) Len(owner OwnerKey) int {
	s := b.lookup(owner)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return 0
	}
	return len(s.exchanges)
}

// Clear empties the owner's buffer and returns what was removed, oldest
// first. Clearing an unknown owner returns nil.
func (b *ShortTermBuffer) Clear(owner OwnerKey) []Exchange {
	sh := b.shard(owner)
	key := owner.key()

	sh.mu.Lock()
	s := sh.sessions[key]
	delete(sh.sessions, key)
	sh.mu.Unlock()

	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	removed := s.exchanges
	s.exchanges = nil
	return removed
}

// ClearIfIdle clears the owner's buffer only if its last append is older
// than cooldown relative to now. The check and the clear are atomic, so a
// turn recorded concurrently is never swept away.
func (b *ShortTermBuffer) ClearIfIdle(owner OwnerKey, now time.Time, cooldown time.Duration) ([]Exchange, bool) {
	sh := b.shard(owner)
	key := owner.key()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	s := sh.sessions[key]
	if s == nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || now.Sub(s.lastActivity) <= cooldown {
		return nil, false
	}
	delete(sh.sessions, key)
	s.dead = true
	removed := s.exchanges
	s.exchanges = nil
	return removed, true
}

// Sessions returns the number of owners with a live buffer.
func (b *ShortTermBuffer) Sessions() int {
	n := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Idle returns the owners whose last append is older than cooldown relative
// to now.
func (b *ShortTermBuffer) Idle(now time.Time, cooldown time.Duration) []OwnerKey {
	var candidates []*session
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for _, s := range sh.sessions {
			candidates = append(candidates, s)
		}
		sh.mu.Unlock()
	}

	var idle []OwnerKey
	for _, s := range candidates {
		s.mu.Lock()
		if !s.dead && now.Sub(s.lastActivity) > cooldown {
			idle = append(idle, s.owner)
		}
		s.mu.Unlock()
	}
	return idle
}

// withSession runs fn with the owner's live session locked, creating the
// session if needed.
func (b *ShortTermBuffer) withSession(owner OwnerKey, fn func(*session)) {
	sh := b.shard(owner)
	key := owner.key()
	for {
		sh.mu.Lock()
		s := sh.sessions[key]
		if s == nil {
			s = &session{owner: owner}
			sh.sessions[key] = s
		}
		sh.mu.Unlock()

		s.mu.Lock()
		if s.dead {
			// Lost a race with Clear.
			s.mu.Unlock()
			continue
		}
		fn(s)
		s.mu.Unlock()
		return
	}
}

// push appends ex and trims the buffer to capacity. Must be called with
// s.mu held.
func (b *ShortTermBuffer) push(s *session, ex Exchange) {
	if ex.Timestamp.IsZero() {
		ex.Timestamp = b.now()
	}
	s.exchanges = append(s.exchanges, ex)
	if over := len(s.exchanges) - b.capacity; over > 0 {
		n := copy(s.exchanges, s.exchanges[over:])
		clear(s.exchanges[n:])
		s.exchanges = s.exchanges[:n]
	}
	s.lastActivity = b.now()
}

func (b *ShortTermBuffer) lookup(owner OwnerKey) *session {
	sh := b.shard(owner)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sessions[owner.key()]
}

func (b *ShortTermBuffer) shard(owner OwnerKey) *bufferShard {
	h := fnv.New32a()
	h.Write([]byte(owner.CompanionID))
	h.Write([]byte{0})
	h.Write([]byte(owner.UserID))
	return &b.shards[h.Sum32()%bufferShards]
}
