// Package resource samples device health (battery, memory, thermal) and
// notifies subscribers when the picture changes. The scheduler consumes it
// purely through the Monitor interface.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"photoflow/internal/domain"
)

// Monitor exposes the current device snapshot and a change stream.
type Monitor interface {
	Snapshot() domain.ResourceStatus
	// Subscribe returns a channel receiving a snapshot on every observed
	// change, and an unsubscribe func that closes the channel.
	Subscribe(buffer int) (<-chan domain.ResourceStatus, func())
}

// Sampler produces one raw snapshot. Implementations are platform-specific.
type Sampler interface {
	Sample() (domain.ResourceStatus, error)
}

// Poller drives a Sampler on a fixed interval and fans out changes.
type Poller struct {
	sampler  Sampler
	interval time.Duration

	mu   sync.RWMutex
	last domain.ResourceStatus

	subsMu sync.Mutex
	subs   []chan domain.ResourceStatus

	stop chan struct{}
	done chan struct{}
}

func NewPoller(s Sampler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &Poller{sampler: s, interval: interval}
	if st, err := s.Sample(); err == nil {
		p.last = st
	} else {
		log.Warn().Err(err).Msg("resource: initial sample failed")
		p.last = domain.ResourceStatus{BatteryLevel: 1, Charging: true, Thermal: domain.ThermalNominal}
	}
	return p
}

func (p *Poller) Start(ctx context.Context) {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx)
}

func (p *Poller) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			st, err := p.sampler.Sample()
			if err != nil {
				log.Debug().Err(err).Msg("resource: sample failed")
				continue
			}
			p.mu.Lock()
			changed := st != p.last
			p.last = st
			p.mu.Unlock()
			if changed {
				p.publish(st)
			}
		}
	}
}

func (p *Poller) Snapshot() domain.ResourceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) Subscribe(buffer int) (<-chan domain.ResourceStatus, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan domain.ResourceStatus, buffer)
	p.subsMu.Lock()
	p.subs = append(p.subs, ch)
	p.subsMu.Unlock()

	unsubscribe := func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		for i, s := range p.subs {
			if s == ch {
				last := len(p.subs) - 1
				p.subs[i] = p.subs[last]
				p.subs[last] = nil
				p.subs = p.subs[:last]
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// publish delivers the latest snapshot to every subscriber. A slow consumer
// loses the oldest buffered snapshot, never the newest.
func (p *Poller) publish(st domain.ResourceStatus) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Set overrides the current snapshot and notifies subscribers. Used by the
// static sampler path and by tests to simulate device changes.
func (p *Poller) Set(st domain.ResourceStatus) {
	p.mu.Lock()
	changed := st != p.last
	p.last = st
	p.mu.Unlock()
	if changed {
		p.publish(st)
	}
}
