// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package erldist

import (
	"context"
	"time"

	"github.com/coronanet/go-erldist/params"
)

// scheduler is responsible for keeping links up to the nodes the user asked to
// stay connected to. Every kept node is dialed periodically; dialing a node that
// is already linked is a no-op, so this only ever reconnects broken links. The
// resolution cache is swept of expired entries every sweep interval.
func (n *Node) scheduler(interval time.Duration, sweep time.Duration, initial []string) {
	// If termination is requested, notify anyone listening
	defer close(n.scheduleTerminated)

	sweeper := time.NewTicker(sweep)
	defer sweeper.Stop()

	schedule := make(map[string]time.Time)
	for _, node := range initial {
		schedule[node] = time.Now()
	}
	var (
		nextTime = time.NewTimer(0)
		nextChan = nextTime.C
		nextDial string
	)
	for {
		// Something happened, find the next dial target
		if nextChan != nil {
			if !nextTime.Stop() {
				<-nextTime.C
			}
			nextChan = nil
		}
		var earliest time.Time
		for node, time := range schedule {
			if earliest.IsZero() || earliest.After(time) {
				earliest, nextDial = time, node
			}
		}
		if !earliest.IsZero() {
			n.logger.Trace("Next dialing scheduled", "peer", nextDial, "time", time.Until(earliest))
			nextTime.Reset(time.Until(earliest))
			nextChan = nextTime.C
		}
		// Listen for scheduling requests or teardown
		select {
		case <-n.scheduleTeardown:
			return

		case node := <-n.scheduleAdd:
			if _, ok := schedule[node]; !ok {
				n.logger.Debug("Scheduling dial for new node", "peer", node)
				schedule[node] = time.Now()
			}

		case <-sweeper.C:
			if _, err := n.cache.Expire(); err != nil {
				n.logger.Warn("Failed to expire resolution cache", "err", err)
			}

		case node := <-n.scheduleDrop:
			n.logger.Debug("Unscheduling dial for dropped node", "peer", node)
			delete(schedule, node)

		case <-nextChan:
			nextChan = nil

			ctx, cancel := context.WithTimeout(context.Background(), params.EPMDTimeout+params.HandshakeTimeout)
			_, err := n.Dial(ctx, nextDial)
			cancel()

			if err != nil {
				n.logger.Debug("Scheduled dial failed", "peer", nextDial, "schedule", interval, "err", err)
			}
			schedule[nextDial] = time.Now().Add(interval)
		}
	}
}

// Connect adds a node to the set of nodes kept linked at all times.
func (n *Node) Connect(node string) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	select {
	case n.scheduleAdd <- n.fullName(node):
		return nil
	case <-n.scheduleTerminated:
		return ErrNodeClosed
	}
}

// Disconnect removes a node from the set of nodes kept linked at all times and
// tears down the live link to it, if any.
func (n *Node) Disconnect(node string) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	full := n.fullName(node)
	select {
	case n.scheduleDrop <- full:
	case <-n.scheduleTerminated:
		return ErrNodeClosed
	}
	if lnk := n.peers.Link(full); lnk != nil {
		lnk.Close()
	}
	return nil
}
