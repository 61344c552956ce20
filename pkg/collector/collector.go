package collector

import (
	"time"

	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/registry"
)

// pollInterval matches the teacher's manager-polling collector cadence.
const pollInterval = 15 * time.Second

// Collector polls the registry on a fixed cadence and evicts workers
// whose heartbeat has gone stale. Nothing else in the scheduling path
// calls Registry.Sweep, so this loop is the only place eviction
// actually happens.
type Collector struct {
	reg    *registry.Registry
	stopCh chan struct{}
}

func New(reg *registry.Registry) *Collector {
	return &Collector{reg: reg, stopCh: make(chan struct{})}
}

// Start begins polling in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(pollInterval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, id := range c.reg.Sweep() {
		log.WithWorkerID(id).Warn().Msg("evicted by periodic liveness sweep")
	}
}
