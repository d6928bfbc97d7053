package gossip

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
)

// messageID identifies a gossip message: the originator plus its sequence.
type messageID struct {
	source string
	seq    uint64
}

func (id messageID) String() string {
	return id.source + "/" + strconv.FormatUint(id.seq, 10)
}

type seenEntry struct {
	added time.Time
	peers map[string]struct{}
}

// seenCache maps message identities to the set of peers that already hold
// the message. Entries older than ttl are treated as absent. It is not safe
// for concurrent use; Service guards it.
type seenCache struct {
	entries lru.BasicLRU[messageID, *seenEntry]
	ttl     time.Duration
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	return &seenCache{
		entries: lru.NewBasicLRU[messageID, *seenEntry](capacity),
		ttl:     ttl,
	}
}

// lookup returns the live entry for id, dropping it if it has expired.
// Peek keeps insertion order so that eviction and pruning stay oldest-first.
func (c *seenCache) lookup(id messageID, now time.Time) (*seenEntry, bool) {
	entry, ok := c.entries.Peek(id)
	if !ok {
		return nil, false
	}
	if now.Sub(entry.added) > c.ttl {
		c.entries.Remove(id)
		return nil, false
	}
	return entry, true
}

// insert records a new identity with the given initial peers.
func (c *seenCache) insert(id messageID, now time.Time, peers ...string) *seenEntry {
	entry := &seenEntry{added: now, peers: make(map[string]struct{}, len(peers))}
	for _, p := range peers {
		entry.peers[p] = struct{}{}
	}
	c.entries.Add(id, entry)
	return entry
}

// prune removes expired entries from the oldest end.
func (c *seenCache) prune(now time.Time) int {
	removed := 0
	for {
		_, entry, ok := c.entries.GetOldest()
		if !ok || now.Sub(entry.added) <= c.ttl {
			return removed
		}
		c.entries.RemoveOldest()
		removed++
	}
}

func (c *seenCache) len() int {
	return c.entries.Len()
}
