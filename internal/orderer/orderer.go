// Package orderer restores per-replica packet order from sequence numbers.
package orderer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/metaapi/metaapi-go/internal/packet"
)

// GapHandler is invoked when a sequence gap is skipped after the ordering
// timeout. The router uses it to restart the affected subscription.
type GapHandler func(accountID string, instanceIndex int, expected, actual int64, pkt *packet.Packet, receivedAt time.Time)

type buffered struct {
	pkt        *packet.Packet
	receivedAt time.Time
}

// streamState tracks one replica's expected sequence number and any packets
// that arrived ahead of it.
type streamState struct {
	accountID     string
	instanceIndex int
	expected      int64
	started       bool
	waitingSince  time.Time
	buffer        map[int64]buffered
}

// Orderer reorders sequenced packets per (account, instance, host) and skips
// gaps that persist longer than the configured timeout.
type Orderer struct {
	timeout time.Duration
	onGap   GapHandler
	deliver func([]*packet.Packet)
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	streams map[string]*streamState

	done chan struct{}
	once sync.Once
}

// New creates a packet orderer. onGap may be nil.
func New(timeout time.Duration, onGap GapHandler, logger *slog.Logger) *Orderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orderer{
		timeout: timeout,
		onGap:   onGap,
		logger:  logger,
		now:     time.Now,
		streams: make(map[string]*streamState),
		done:    make(chan struct{}),
	}
}

// SetDeliver registers the callback that receives packets released by a gap
// skip. Must be set before Start.
func (o *Orderer) SetDeliver(fn func([]*packet.Packet)) {
	o.deliver = fn
}

// Start launches the background gap-timeout scan.
func (o *Orderer) Start() {
	go o.scanLoop()
}

// Stop terminates the background scan and drops all buffered packets.
func (o *Orderer) Stop() {
	o.once.Do(func() { close(o.done) })
	o.mu.Lock()
	o.streams = make(map[string]*streamState)
	o.mu.Unlock()
}

// RestoreOrder returns the packets that may now be delivered in order.
// Packets without a sequence number pass through unchanged.
func (o *Orderer) RestoreOrder(pkt *packet.Packet) []*packet.Packet {
	if !pkt.HasSequenceNumber {
		return []*packet.Packet{pkt}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	key := pkt.InstanceID()
	st, ok := o.streams[key]
	if !ok {
		st = &streamState{
			accountID:     pkt.AccountID,
			instanceIndex: pkt.InstanceIndex,
			buffer:        make(map[int64]buffered),
		}
		o.streams[key] = st
	}

	// A synchronization start rebases the counter for the new stream run.
	if pkt.Type == "synchronizationStarted" {
		st.expected = pkt.SequenceNumber + 1
		st.started = true
		st.waitingSince = time.Time{}
		return append([]*packet.Packet{pkt}, o.drainLocked(st)...)
	}

	switch {
	case !st.started:
		st.started = true
		st.expected = pkt.SequenceNumber + 1
		return append([]*packet.Packet{pkt}, o.drainLocked(st)...)
	case pkt.SequenceNumber == st.expected:
		st.expected++
		st.waitingSince = time.Time{}
		return append([]*packet.Packet{pkt}, o.drainLocked(st)...)
	case pkt.SequenceNumber > st.expected:
		if len(st.buffer) == 0 {
			st.waitingSince = o.now()
		}
		st.buffer[pkt.SequenceNumber] = buffered{pkt: pkt, receivedAt: o.now()}
		return nil
	default:
		// Already delivered.
		return nil
	}
}

// OnStreamClosed purges the ordering state for one replica.
func (o *Orderer) OnStreamClosed(instanceID string) {
	o.mu.Lock()
	delete(o.streams, instanceID)
	o.mu.Unlock()
}

// OnReconnected purges ordering state for every replica of the given
// accounts after a socket reconnect.
func (o *Orderer) OnReconnected(accountIDs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, st := range o.streams {
		for _, id := range accountIDs {
			if st.accountID == id {
				delete(o.streams, key)
				break
			}
		}
	}
}

// drainLocked emits buffered packets that are now contiguous.
func (o *Orderer) drainLocked(st *streamState) []*packet.Packet {
	var out []*packet.Packet
	for {
		b, ok := st.buffer[st.expected]
		if !ok {
			break
		}
		delete(st.buffer, st.expected)
		st.expected++
		out = append(out, b.pkt)
	}
	if len(st.buffer) == 0 {
		st.waitingSince = time.Time{}
	} else if st.waitingSince.IsZero() {
		st.waitingSince = o.now()
	}
	return out
}

func (o *Orderer) scanLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			for _, skipped := range o.skipExpiredGaps() {
				if o.onGap != nil {
					o.onGap(skipped.accountID, skipped.instanceIndex, skipped.expected,
						skipped.actual, skipped.pkt, skipped.receivedAt)
				}
				if o.deliver != nil && len(skipped.ready) > 0 {
					o.deliver(skipped.ready)
				}
			}
		}
	}
}

type gapSkip struct {
	accountID     string
	instanceIndex int
	expected      int64
	actual        int64
	pkt           *packet.Packet
	receivedAt    time.Time
	ready         []*packet.Packet
}

// skipExpiredGaps advances past gaps that have waited longer than the
// timeout. Released packets ride along in each record's ready slice; the
// scan loop delivers them after reporting the gap.
func (o *Orderer) skipExpiredGaps() []gapSkip {
	o.mu.Lock()
	defer o.mu.Unlock()

	var skips []gapSkip
	now := o.now()
	for _, st := range o.streams {
		if len(st.buffer) == 0 || st.waitingSince.IsZero() {
			continue
		}
		if now.Sub(st.waitingSince) < o.timeout {
			continue
		}
		lowest := int64(-1)
		for seq := range st.buffer {
			if lowest < 0 || seq < lowest {
				lowest = seq
			}
		}
		b := st.buffer[lowest]
		expected := st.expected
		o.logger.Warn("skipping packet gap after ordering timeout",
			"accountId", st.accountID,
			"instanceIndex", st.instanceIndex,
			"expected", expected,
			"actual", lowest,
		)
		st.expected = lowest
		skips = append(skips, gapSkip{
			accountID:     st.accountID,
			instanceIndex: st.instanceIndex,
			expected:      expected,
			actual:        lowest,
			pkt:           b.pkt,
			receivedAt:    b.receivedAt,
			ready:         o.drainLocked(st),
		})
	}
	return skips
}
