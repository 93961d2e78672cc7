package bus

import (
	"sync"
	"testing"

	"ecosim.dev/internal/protocol"
)

func act(id, seq uint64, action string) protocol.ActMsg {
	return protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		AgentID:         id,
		Seq:             seq,
		Action:          action,
	}
}

func TestSendRequiresRegistration(t *testing.T) {
	b := New(4)
	if err := b.Send(act(1, 1, protocol.ActionEat)); err != ErrNotRegistered {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestPerAgentOrderPreserved(t *testing.T) {
	b := New(8)
	if _, err := b.Register(1); err != nil {
		t.Fatal(err)
	}
	for seq := uint64(1); seq <= 5; seq++ {
		if err := b.Send(act(1, seq, protocol.ActionEat)); err != nil {
			t.Fatalf("send seq %d: %v", seq, err)
		}
	}
	got := b.DrainAll()[1]
	if len(got) != 5 {
		t.Fatalf("drained %d events, want 5", len(got))
	}
	for i, m := range got {
		if m.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, m.Seq, i+1)
		}
	}
}

func TestMoveCoalesced(t *testing.T) {
	b := New(8)
	if _, err := b.Register(1); err != nil {
		t.Fatal(err)
	}
	m1 := act(1, 1, protocol.ActionMove)
	m1.Dir = [2]int{1, 0}
	m2 := act(1, 2, protocol.ActionMove)
	m2.Dir = [2]int{0, 1}
	if err := b.Send(m1); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(m2); err != nil {
		t.Fatal(err)
	}
	got := b.DrainAll()[1]
	if len(got) != 1 {
		t.Fatalf("drained %d events, want 1 coalesced MOVE", len(got))
	}
	if got[0].Dir != [2]int{0, 1} || got[0].Seq != 2 {
		t.Fatalf("kept %+v, want the newest MOVE", got[0])
	}
}

func TestBackpressure(t *testing.T) {
	b := New(2)
	if _, err := b.Register(1); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(act(1, 1, protocol.ActionEat)); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(act(1, 2, protocol.ActionEat)); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(act(1, 3, protocol.ActionEat)); err != ErrBackpressure {
		t.Fatalf("err = %v, want ErrBackpressure", err)
	}
	// A MOVE still coalesces even at depth.
	mv := act(1, 4, protocol.ActionMove)
	if err := b.Send(mv); err != ErrBackpressure {
		t.Fatalf("err = %v, want ErrBackpressure for first MOVE at depth", err)
	}
}

func TestDrainAllEmptiesQueues(t *testing.T) {
	b := New(8)
	for id := uint64(1); id <= 3; id++ {
		if _, err := b.Register(id); err != nil {
			t.Fatal(err)
		}
		if err := b.Send(act(id, 1, protocol.ActionEat)); err != nil {
			t.Fatal(err)
		}
	}
	first := b.DrainAll()
	if len(first) != 3 {
		t.Fatalf("first drain has %d agents, want 3", len(first))
	}
	if second := b.DrainAll(); len(second) != 0 {
		t.Fatalf("second drain not empty: %v", second)
	}
}

func TestConcurrentSendersNoLoss(t *testing.T) {
	b := New(64)
	const agents = 8
	for id := uint64(1); id <= agents; id++ {
		if _, err := b.Register(id); err != nil {
			t.Fatal(err)
		}
	}
	var wg sync.WaitGroup
	for id := uint64(1); id <= agents; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for seq := uint64(1); seq <= 10; seq++ {
				if err := b.Send(act(id, seq, protocol.ActionEat)); err != nil {
					t.Errorf("agent %d seq %d: %v", id, seq, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	got := b.DrainAll()
	for id := uint64(1); id <= agents; id++ {
		if len(got[id]) != 10 {
			t.Fatalf("agent %d drained %d events, want 10", id, len(got[id]))
		}
	}
}

func TestPublishDropsOldestUnderPressure(t *testing.T) {
	b := New(2)
	out, err := b.Register(1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := b.Publish(1, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	// The queue holds the most recent payloads; the writer was never blocked.
	last := byte(0)
	for {
		select {
		case p := <-out:
			last = p[0]
			continue
		default:
		}
		break
	}
	if last != 4 {
		t.Fatalf("latest payload = %d, want 4", last)
	}
}

func TestPublishDuringDeregisterDoesNotPanic(t *testing.T) {
	// A disconnecting transport deregisters while the coordinator is
	// still publishing tick payloads; the publish must never hit a
	// closed channel.
	for iter := 0; iter < 200; iter++ {
		b := New(2)
		if _, err := b.Register(1); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 50; i++ {
					if err := b.Publish(1, []byte("tick")); err == ErrNotRegistered {
						return
					}
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			b.Deregister(1)
		}()
		close(start)
		wg.Wait()
	}
}

func TestDeregisterClosesLifecycle(t *testing.T) {
	b := New(2)
	out, err := b.Register(1)
	if err != nil {
		t.Fatal(err)
	}
	b.Deregister(1)
	if _, ok := <-out; ok {
		t.Fatal("lifecycle channel not closed")
	}
	if err := b.Publish(1, []byte("x")); err != ErrNotRegistered {
		t.Fatalf("publish after deregister: %v", err)
	}
}
