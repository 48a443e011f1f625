package main

import (
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/load"
)

// Stats tracks performance metrics
type Stats struct {
	chatsPosted       atomic.Int64
	chatsFailed       atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that joined and started running

	pings         atomic.Int64
	totalPingTime atomic.Int64 // in microseconds

	// Detailed failure tracking
	serverErrors   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Connect phase failure breakdown
	connectDialFailed   atomic.Int64
	connectRefused      atomic.Int64
	connectNameRejected atomic.Int64
	connectJoinFailed   atomic.Int64

	broadcastsReceived atomic.Int64
	eventsDropped      atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.chatsPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordPing(responseTimeUs int64) {
	s.pings.Add(1)
	s.totalPingTime.Add(responseTimeUs)
}

func (s *Stats) recordServerError() {
	s.chatsFailed.Add(1)
	s.serverErrors.Add(1)
}

func (s *Stats) recordTimeout() {
	s.chatsFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.chatsFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

type statsSnapshot struct {
	posted, failed, connErrors int64
	avgResponseUs, avgPingUs   float64
	received                   int64
}

func (s *Stats) snapshot() statsSnapshot {
	snap := statsSnapshot{
		posted:     s.chatsPosted.Load(),
		failed:     s.chatsFailed.Load(),
		connErrors: s.connectionErrors.Load(),
		received:   s.broadcastsReceived.Load(),
	}
	if snap.posted > 0 {
		snap.avgResponseUs = float64(s.totalResponseTime.Load()) / float64(snap.posted)
	}
	if pings := s.pings.Load(); pings > 0 {
		snap.avgPingUs = float64(s.totalPingTime.Load()) / float64(pings)
	}
	return snap
}

// getCPULoad returns the 1-minute load average, or 0 where the platform
// does not report one.
func getCPULoad() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 0
	}
	return avg.Load1
}
