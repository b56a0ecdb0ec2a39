package chatclient

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// dedupMaxIDs bounds the identifier set, FIFO eviction.
	dedupMaxIDs = 100
	// dedupFingerprintTTL bounds how long a content fingerprint suppresses.
	dedupFingerprintTTL = 5 * time.Minute
)

// DedupGuard suppresses duplicate finalization events. The backend may emit
// both a streaming completion and a final message for the same logical reply,
// or redeliver a frame after a reconnect; the guard makes sure exactly one
// assistant turn is rendered either way.
//
// The guard is shared process-wide, not per conversation, so suppression holds
// across reconnects of the same conversation.
type DedupGuard struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	ids          map[string]struct{}
	idOrder      []string
	fingerprints map[uint64]time.Time

	// lastAssistantText reports the text of the most recently rendered
	// assistant turn in the currently visible thread, "" if none.
	lastAssistantText func() string
}

type DedupOption func(*DedupGuard)

func WithDedupClock(c clockwork.Clock) DedupOption {
	return func(g *DedupGuard) { g.clock = c }
}

func NewDedupGuard(lastAssistantText func() string, opts ...DedupOption) *DedupGuard {
	g := &DedupGuard{
		clock:             clockwork.NewRealClock(),
		ids:               map[string]struct{}{},
		fingerprints:      map[uint64]time.Time{},
		lastAssistantText: lastAssistantText,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldSuppress reports whether a finalize with this identifier/content has
// already been seen. On a miss it records both the identifier and the content
// fingerprint, evicting stale entries.
func (g *DedupGuard) ShouldSuppress(messageID, content string) bool {
	if g == nil {
		return false
	}
	messageID = strings.TrimSpace(messageID)
	fp := xxhash.Sum64String(content)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.evictStaleLocked(now)

	if messageID != "" {
		if _, seen := g.ids[messageID]; seen {
			log.Debug().Str("component", "chatclient").Str("message_id", messageID).Msg("dedup: suppressed by message id")
			return true
		}
	}
	if _, seen := g.fingerprints[fp]; seen {
		log.Debug().Str("component", "chatclient").Msg("dedup: suppressed by content fingerprint")
		return true
	}
	if g.lastAssistantText != nil && content != "" && g.lastAssistantText() == content {
		log.Debug().Str("component", "chatclient").Msg("dedup: suppressed by identical last assistant turn")
		return true
	}

	if messageID != "" {
		g.ids[messageID] = struct{}{}
		g.idOrder = append(g.idOrder, messageID)
		if len(g.idOrder) > dedupMaxIDs {
			oldest := g.idOrder[0]
			g.idOrder = g.idOrder[1:]
			delete(g.ids, oldest)
		}
	}
	g.fingerprints[fp] = now
	return false
}

func (g *DedupGuard) evictStaleLocked(now time.Time) {
	for fp, seen := range g.fingerprints {
		if now.Sub(seen) > dedupFingerprintTTL {
			delete(g.fingerprints, fp)
		}
	}
}
