package admission

import (
	"fmt"

	"github.com/danmuck/trilink/internal/protocol"
)

// Gate combines the rate and concurrency checks applied to a new
// connection. Either part may be nil.
type Gate struct {
	Bucket  *Bucket
	Ceiling *Ceiling
}

// Admit claims a ceiling slot and a bucket token. On success the caller owns
// one ceiling slot and must Release it when the link ends.
func (g Gate) Admit() error {
	if g.Ceiling != nil && !g.Ceiling.TryAcquire() {
		return fmt.Errorf("%w: link ceiling %d reached", protocol.ErrAdmissionRejected, g.Ceiling.Max())
	}
	if g.Bucket != nil && !g.Bucket.Acquire() {
		g.Release()
		return fmt.Errorf("%w: token bucket empty", protocol.ErrAdmissionRejected)
	}
	return nil
}

func (g Gate) Release() {
	if g.Ceiling != nil {
		g.Ceiling.Release()
	}
}
