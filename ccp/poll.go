package ccp

import (
	"fmt"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

// Poll sends count polls to dev, one every period, starting on the next
// Periodic. One period after the last poll every channel observer that
// implements LinkObserver learns whether dev answered during the burst.
func (c *CCP) Poll(dev wire.Device, count int, period time.Duration) error {
	if !dev.Valid() || dev == wire.Broadcast || dev == c.cfg.Self {
		return fmt.Errorf("%w: %s", ErrInvalidDestination, dev)
	}
	if count <= 0 {
		return ErrInvalidPoll
	}
	if _, busy := c.polls[dev]; busy {
		return fmt.Errorf("%w: poll burst to %s", ErrBusy, dev)
	}

	b := &pollBurst{dev: dev, remaining: count, period: period, started: c.cfg.Now()}
	c.polls[dev] = b
	b.timer = c.schedule(0, func() { c.pollStep(b) })
	c.log.Debug("poll burst", "dev", dev, "count", count, "period", period)
	return nil
}

func (c *CCP) pollStep(b *pollBurst) {
	if b.remaining == 0 {
		c.finishPoll(b)
		return
	}
	if !c.tr.Transmit(b.dev, wire.ChannelInvalid, 0, nil) {
		b.timer = c.schedule(c.cfg.BusyBackoff, func() { c.pollStep(b) })
		return
	}
	b.remaining--
	b.timer = c.schedule(b.period, func() { c.pollStep(b) })
}

func (c *CCP) finishPoll(b *pollBurst) {
	delete(c.polls, b.dev)
	heard, ok := c.lastHeard[b.dev]
	responded := ok && !heard.Before(b.started)
	c.log.Debug("poll burst done", "dev", b.dev, "responded", responded)

	for _, obs := range c.channels {
		if lo, ok := obs.(LinkObserver); ok {
			lo.OnPollResult(b.dev, responded)
		}
	}
}
