package orderer

import (
	"testing"
	"time"

	"github.com/metaapi/metaapi-go/internal/packet"
)

func seqPacket(accountID string, instanceIndex int, seq int64, typ string) *packet.Packet {
	return packet.FromMap(map[string]any{
		"type":           typ,
		"accountId":      accountID,
		"instanceIndex":  float64(instanceIndex),
		"sequenceNumber": float64(seq),
	}, time.Now())
}

func types(pkts []*packet.Packet) []string {
	out := make([]string, len(pkts))
	for i, p := range pkts {
		out[i] = p.Type
	}
	return out
}

func seqs(pkts []*packet.Packet) []int64 {
	out := make([]int64, len(pkts))
	for i, p := range pkts {
		out[i] = p.SequenceNumber
	}
	return out
}

func TestRestoreOrderPassesThroughUnsequenced(t *testing.T) {
	o := New(time.Minute, nil, nil)
	p := packet.FromMap(map[string]any{"type": "prices", "accountId": "a"}, time.Now())
	got := o.RestoreOrder(p)
	if len(got) != 1 || got[0] != p {
		t.Fatalf("RestoreOrder returned %d packets, want the packet itself", len(got))
	}
}

func TestRestoreOrderBuffersAheadOfSequence(t *testing.T) {
	o := New(time.Minute, nil, nil)

	got := o.RestoreOrder(seqPacket("a", 0, 10, "synchronizationStarted"))
	if len(got) != 1 {
		t.Fatalf("synchronizationStarted: got %d packets, want 1", len(got))
	}

	// 12 arrives before 11 and must wait.
	got = o.RestoreOrder(seqPacket("a", 0, 12, "deals"))
	if len(got) != 0 {
		t.Fatalf("out-of-order packet delivered %d packets, want 0", len(got))
	}

	got = o.RestoreOrder(seqPacket("a", 0, 11, "orders"))
	want := []int64{11, 12}
	if len(got) != 2 || got[0].SequenceNumber != want[0] || got[1].SequenceNumber != want[1] {
		t.Fatalf("got sequence numbers %v, want %v", seqs(got), want)
	}
}

func TestRestoreOrderDropsDuplicates(t *testing.T) {
	o := New(time.Minute, nil, nil)
	o.RestoreOrder(seqPacket("a", 0, 1, "synchronizationStarted"))
	o.RestoreOrder(seqPacket("a", 0, 2, "orders"))
	if got := o.RestoreOrder(seqPacket("a", 0, 2, "orders")); len(got) != 0 {
		t.Errorf("duplicate packet delivered %v, want nothing", types(got))
	}
}

func TestRestoreOrderRebasesOnSynchronizationStarted(t *testing.T) {
	o := New(time.Minute, nil, nil)
	o.RestoreOrder(seqPacket("a", 0, 1, "synchronizationStarted"))
	o.RestoreOrder(seqPacket("a", 0, 2, "orders"))

	// New stream run restarts the counter from its own sequence number.
	got := o.RestoreOrder(seqPacket("a", 0, 100, "synchronizationStarted"))
	if len(got) != 1 {
		t.Fatalf("rebase delivered %d packets, want 1", len(got))
	}
	got = o.RestoreOrder(seqPacket("a", 0, 101, "orders"))
	if len(got) != 1 || got[0].SequenceNumber != 101 {
		t.Fatalf("packet after rebase: got %v, want [101]", seqs(got))
	}
}

func TestRestoreOrderKeepsStreamsIndependent(t *testing.T) {
	o := New(time.Minute, nil, nil)
	o.RestoreOrder(seqPacket("a", 0, 1, "synchronizationStarted"))
	o.RestoreOrder(seqPacket("b", 0, 1, "synchronizationStarted"))

	if got := o.RestoreOrder(seqPacket("b", 0, 2, "orders")); len(got) != 1 {
		t.Errorf("account b packet delivered %d packets, want 1", len(got))
	}
	// A gap on account a must not affect b.
	if got := o.RestoreOrder(seqPacket("a", 0, 3, "orders")); len(got) != 0 {
		t.Errorf("gapped account a packet delivered %d packets, want 0", len(got))
	}
	if got := o.RestoreOrder(seqPacket("b", 0, 3, "orders")); len(got) != 1 {
		t.Errorf("account b packet behind a's gap delivered %d packets, want 1", len(got))
	}
}

func TestSkipExpiredGapsAdvancesAndReportsGap(t *testing.T) {
	var gapAccount string
	var gapExpected, gapActual int64
	o := New(time.Minute, func(accountID string, instanceIndex int, expected, actual int64, pkt *packet.Packet, receivedAt time.Time) {
		gapAccount = accountID
		gapExpected = expected
		gapActual = actual
	}, nil)

	base := time.Now()
	o.now = func() time.Time { return base }

	o.RestoreOrder(seqPacket("a", 0, 1, "synchronizationStarted"))
	o.RestoreOrder(seqPacket("a", 0, 2, "orders"))
	// 3 never arrives.
	o.RestoreOrder(seqPacket("a", 0, 4, "deals"))
	o.RestoreOrder(seqPacket("a", 0, 5, "deals"))

	o.now = func() time.Time { return base.Add(2 * time.Minute) }
	skips := o.skipExpiredGaps()
	if len(skips) != 1 {
		t.Fatalf("got %d gap skips, want 1", len(skips))
	}
	for _, s := range skips {
		if o.onGap != nil {
			o.onGap(s.accountID, s.instanceIndex, s.expected, s.actual, s.pkt, s.receivedAt)
		}
		if got, want := seqs(s.ready), []int64{4, 5}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("released packets %v, want %v", got, want)
		}
	}
	if gapAccount != "a" || gapExpected != 3 || gapActual != 4 {
		t.Errorf("gap report = (%s, %d, %d), want (a, 3, 4)", gapAccount, gapExpected, gapActual)
	}

	// The stream continues from after the released packets.
	if got := o.RestoreOrder(seqPacket("a", 0, 6, "orders")); len(got) != 1 {
		t.Errorf("post-skip packet delivered %d packets, want 1", len(got))
	}
}

func TestSkipExpiredGapsHonorsTimeout(t *testing.T) {
	o := New(time.Minute, nil, nil)
	base := time.Now()
	o.now = func() time.Time { return base }

	o.RestoreOrder(seqPacket("a", 0, 1, "synchronizationStarted"))
	o.RestoreOrder(seqPacket("a", 0, 3, "orders"))

	o.now = func() time.Time { return base.Add(30 * time.Second) }
	if skips := o.skipExpiredGaps(); len(skips) != 0 {
		t.Errorf("gap skipped after 30s with a 60s timeout")
	}
}

func TestOnStreamClosedResetsState(t *testing.T) {
	o := New(time.Minute, nil, nil)
	p := seqPacket("a", 0, 5, "synchronizationStarted")
	o.RestoreOrder(p)
	o.RestoreOrder(seqPacket("a", 0, 7, "orders"))

	o.OnStreamClosed(p.InstanceID())

	// A fresh stream baselines at whatever arrives first.
	if got := o.RestoreOrder(seqPacket("a", 0, 1, "orders")); len(got) != 1 {
		t.Errorf("packet after stream close delivered %d packets, want 1", len(got))
	}
}

func TestOnReconnectedPurgesAccounts(t *testing.T) {
	o := New(time.Minute, nil, nil)
	o.RestoreOrder(seqPacket("a", 0, 1, "synchronizationStarted"))
	o.RestoreOrder(seqPacket("b", 0, 1, "synchronizationStarted"))

	o.OnReconnected([]string{"a"})

	o.mu.Lock()
	_, aKept := o.streams["a:0:0"]
	_, bKept := o.streams["b:0:0"]
	o.mu.Unlock()
	if aKept {
		t.Errorf("account a ordering state survived reconnect")
	}
	if !bKept {
		t.Errorf("account b ordering state dropped by unrelated reconnect")
	}
}
