package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
)

// PendingHalf is one half of a split pair awaiting its partner.
type PendingHalf struct {
	Package  *frame.Package
	QueuedAt time.Time
}

// PendingAppends holds half-received split packages by correlation id.
type PendingAppends struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]PendingHalf
}

// NewPendingAppends returns a table whose entries expire after ttl. A nil
// now uses time.Now.
func NewPendingAppends(ttl time.Duration, now func() time.Time) *PendingAppends {
	if now == nil {
		now = time.Now
	}
	return &PendingAppends{
		ttl:   ttl,
		now:   now,
		items: make(map[string]PendingHalf),
	}
}

// Join offers one half. When the partner is already held, the merged
// package is returned with ok=true and the entry is cleared. Otherwise the
// half is stored and ok=false. A package without an append state is
// returned unchanged.
func (p *PendingAppends) Join(pkg *frame.Package) (*frame.Package, bool, error) {
	if pkg.Append == protocol.AppendNone {
		return pkg, true, nil
	}
	key := pkg.CorrelationID
	p.mu.Lock()
	defer p.mu.Unlock()
	held, ok := p.items[key]
	if !ok {
		p.items[key] = PendingHalf{Package: pkg, QueuedAt: p.now()}
		return nil, false, nil
	}
	merged, err := frame.Merge(held.Package, pkg)
	if err != nil {
		return nil, false, err
	}
	delete(p.items, key)
	return merged, true, nil
}

// Expire removes and returns halves held longer than the ttl.
func (p *PendingAppends) Expire() []PendingHalf {
	if p.ttl <= 0 {
		return nil
	}
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PendingHalf
	for key, item := range p.items {
		if item.QueuedAt.Before(cutoff) {
			out = append(out, item)
			delete(p.items, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

func (p *PendingAppends) Get(correlationID string) (PendingHalf, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[correlationID]
	return item, ok
}

func (p *PendingAppends) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
