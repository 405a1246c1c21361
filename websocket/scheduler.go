package websocket

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pendingWrite is one entry in the send queue: raw, already-encoded frame
// bytes plus an optional channel, closed once they have actually been
// handed to the transport.
type pendingWrite struct {
	data []byte
	done chan struct{} // closed once written; nil for fire-and-forget sends
}

// sendScheduler paces outgoing writes onto a Transport and optionally
// auto-fragments oversized outgoing messages, mirroring
// original_source's WebSocketProtocol::sendData/_send queued-write loop
// (QUEUED_WRITE_DELAY between successive drains, first slot scheduled via
// reactor.CallLater(0, ...)) and the §4.7 auto-fragmentation behavior.
type sendScheduler struct {
	transport Transport
	reactor   Reactor
	queue     []pendingWrite
	draining  bool
	limiter   *rate.Limiter
	delay     time.Duration
}

// newSendScheduler builds a scheduler. A nil limiter means unpaced beyond
// the fixed inter-write delay.
func newSendScheduler(t Transport, r Reactor, delay time.Duration, burstsPerSecond int) *sendScheduler {
	s := &sendScheduler{transport: t, reactor: r, delay: delay}
	if burstsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(burstsPerSecond), burstsPerSecond)
	}
	return s
}

// enqueue appends data to the send queue and kicks off draining if it is
// not already running. done, if non-nil, is closed once data has actually
// been handed to the transport.
func (s *sendScheduler) enqueue(data []byte, done chan struct{}) {
	s.queue = append(s.queue, pendingWrite{data: data, done: done})
	if !s.draining {
		s.draining = true
		s.reactor.CallLater(0, s.drainOne)
	}
}

// drainOne writes the head of the queue and schedules the next drain
// after delay, or stops if the queue is empty. Runs on the engine's
// single serialized callback goroutine, so the queue needs no lock.
func (s *sendScheduler) drainOne() {
	if len(s.queue) == 0 {
		s.draining = false
		return
	}

	if s.limiter != nil {
		// Each connection owns its reactor goroutine, so blocking here
		// paces only this connection's sends, not the whole process.
		_ = s.limiter.WaitN(context.Background(), 1) //nolint:errcheck // burst sized to never exceed the limiter's own ceiling
	}

	w := s.queue[0]
	s.queue = s.queue[1:]

	_, _ = s.transport.Write(w.data)
	if w.done != nil {
		close(w.done)
	}

	if len(s.queue) == 0 {
		s.draining = false
		return
	}
	s.reactor.CallLater(s.delay, s.drainOne)
}

// pending reports how many writes are still queued.
func (s *sendScheduler) pending() int { return len(s.queue) }

// discard clears the queue without writing, used by dropConnection.
func (s *sendScheduler) discard() {
	s.queue = nil
	s.draining = false
}

// outgoingPiece is one frame's worth of an outgoing message after
// auto-fragmentation has been applied.
type outgoingPiece struct {
	opcode byte
	fin    bool
	body   []byte
}

// fragmentOutgoing splits payload into a sequence of outgoingPieces
// respecting autoFragmentSize (0 disables fragmentation: the whole
// payload goes out as one frame). The first frame carries opcode; the
// rest carry opcodeContinuation; only the last has fin=true.
func fragmentOutgoing(opcode byte, payload []byte, autoFragmentSize int64) []outgoingPiece {
	if autoFragmentSize <= 0 || int64(len(payload)) <= autoFragmentSize {
		return []outgoingPiece{{opcode: opcode, fin: true, body: payload}}
	}

	var pieces []outgoingPiece
	remaining := payload
	first := true
	for len(remaining) > 0 {
		n := autoFragmentSize
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		chunk := remaining[:n]
		remaining = remaining[n:]

		op := opcodeContinuation
		if first {
			op = opcode
			first = false
		}
		pieces = append(pieces, outgoingPiece{opcode: op, fin: len(remaining) == 0, body: chunk})
	}
	if len(payload) == 0 {
		pieces = append(pieces, outgoingPiece{opcode: opcode, fin: true, body: nil})
	}
	return pieces
}
