package supervisor

import (
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/sab"
)

// Run is one simulation run. No simulation state outlives it.
type Run struct {
	ID         string
	MaxNumber  int
	LuckyCount int
	Seed       uint64
	StartedAt  time.Time

	// Arena is nil while the buffers are leased to the worker
	Arena *sab.Arena

	ready         bool // buffers initialized on the executing side
	selectionSent bool
}

// inflight is the single outstanding arena-carrying request
type inflight struct {
	seq    uint64
	kind   string
	sentAt time.Time
	local  bool
}
