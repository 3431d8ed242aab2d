package notify

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/job"
)

// Hub fans job snapshots out to websocket subscribers. Delivery is best
// effort: polling the HTTP API remains the contract, the hub only saves
// clients from tight poll loops.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan job.Job]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan job.Job]struct{}{}}
}

// Subscribe registers for snapshots of one job. The returned cancel func
// must be called exactly once; the channel is closed by it.
func (h *Hub) Subscribe(jobID string) (<-chan job.Job, func()) {
	ch := make(chan job.Job, 8)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = map[chan job.Job]struct{}{}
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[jobID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, jobID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers a snapshot to every subscriber of the job. Slow
// subscribers are skipped rather than blocking the pipeline.
func (h *Hub) Publish(j job.Job) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[j.ID] {
		select {
		case ch <- j:
		default:
			log.Debug().Str("ID", j.ID).Msg("dropping status update for slow subscriber")
		}
	}
}
