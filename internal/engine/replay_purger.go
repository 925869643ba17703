package engine

import (
	"context"
	"log"
	"time"
)

// ReplayPurger periodically drops replay records past their retention.
type ReplayPurger struct {
	replay   *ReplayCache
	days     int
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
}

func NewReplayPurger(replay *ReplayCache, days int, interval time.Duration) *ReplayPurger {
	return &ReplayPurger{replay: replay, days: days, interval: interval}
}

// Start purges once, then again on every tick.
func (p *ReplayPurger) Start() {
	p.purge()
	p.ticker = time.NewTicker(p.interval)
	p.done = make(chan struct{})
	go p.run()
	log.Printf("Replay purger started (%d days retention, %s interval)", p.days, p.interval)
}

// Stop halts the background ticker.
func (p *ReplayPurger) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.done != nil {
		close(p.done)
	}
}

func (p *ReplayPurger) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.purge()
		}
	}
}

func (p *ReplayPurger) purge() {
	n, err := p.replay.Purge(context.Background(), p.days)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return
	}
	if n > 0 {
		log.Printf("INFO: purged %d replay records older than %d days", n, p.days)
	}
}
