package live

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) ServerPacket {
	t.Helper()
	select {
	case p := <-sub.C:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a packet")
		return ServerPacket{}
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed")
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(4)
	defer h.Close()

	alice := h.Subscribe("alice", CapabilitySet(CapCore))
	bob := h.Subscribe("bob", CapabilitySet(CapCore))

	h.Broadcast(NewReady())

	if p := recv(t, alice); p.Type != PacketReady {
		t.Errorf("alice received %q, want %q", p.Type, PacketReady)
	}
	if p := recv(t, bob); p.Type != PacketReady {
		t.Errorf("bob received %q, want %q", p.Type, PacketReady)
	}
	if got := h.Subscribers(); got != 2 {
		t.Errorf("Subscribers() = %d, want 2", got)
	}
}

func TestHubSendToUser(t *testing.T) {
	h := NewHub(4)
	defer h.Close()

	alice1 := h.Subscribe("alice", CapabilitySet(CapCore|CapAuthentication))
	alice2 := h.Subscribe("alice", CapabilitySet(CapCore|CapAuthentication))
	bob := h.Subscribe("bob", CapabilitySet(CapCore|CapAuthentication))

	h.SendToUser("alice", NewPixelsAvailable(2, nil))

	for _, sub := range []*Subscription{alice1, alice2} {
		p := recv(t, sub)
		if p.Type != PacketPixelsAvailable || p.Count == nil || *p.Count != 2 {
			t.Errorf("alice connection received %+v, want pixels-available with count 2", p)
		}
	}

	select {
	case p := <-bob.C:
		t.Errorf("bob received %+v, want nothing", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubOverflowKicksSubscriber(t *testing.T) {
	h := NewHub(1)
	defer h.Close()

	sub := h.Subscribe("alice", CapabilitySet(CapCore))

	// the subscriber never drains: the first packet fills the queue, the
	// second one overflows it
	h.Broadcast(NewReady())
	h.Broadcast(NewReady())

	expectClosed(t, sub)

	// the writer reacts to Done by unsubscribing
	h.Unsubscribe(sub.ID)
	if got := h.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d after the kick, want 0", got)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub(4)
	defer h.Close()

	sub := h.Subscribe("alice", CapabilitySet(CapCore))
	h.Unsubscribe(sub.ID)

	expectClosed(t, sub)
	if got := h.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}

	// broadcasting to an empty hub is fine
	h.Broadcast(NewReady())
}

func TestHubSetUserCooldown(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	sub := h.Subscribe("alice", CapabilitySet(CapCore|CapAuthentication))
	now := uint64(time.Now().Unix())

	// both arrivals are already due, the timer announces them right away
	h.SetUserCooldown("alice", 0, []CooldownStep{
		{At: now, Count: 1},
		{At: now, Count: 2},
	})

	first := recv(t, sub)
	if first.Count == nil || *first.Count != 0 {
		t.Fatalf("initial packet count = %v, want 0", first.Count)
	}
	if first.Next == nil || *first.Next != now {
		t.Fatalf("initial packet next = %v, want %d", first.Next, now)
	}

	second := recv(t, sub)
	if second.Count == nil || *second.Count != 1 || second.Next == nil {
		t.Fatalf("first arrival packet = %+v, want count 1 with a next instant", second)
	}

	third := recv(t, sub)
	if third.Count == nil || *third.Count != 2 {
		t.Fatalf("second arrival packet = %+v, want count 2", third)
	}
	if third.Next != nil {
		t.Errorf("last arrival packet next = %d, want none", *third.Next)
	}
}

func TestHubReschedulingCancelsTheTimer(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	sub := h.Subscribe("alice", CapabilitySet(CapCore|CapAuthentication))
	at := uint64(time.Now().Add(time.Second).Unix())

	h.SetUserCooldown("alice", 0, []CooldownStep{{At: at, Count: 1}})
	if p := recv(t, sub); p.Count == nil || *p.Count != 0 {
		t.Fatalf("initial packet = %+v, want count 0", p)
	}

	// replacing the schedule cancels the pending announcement
	h.SetUserCooldown("alice", 3, nil)
	if p := recv(t, sub); p.Count == nil || *p.Count != 3 {
		t.Fatalf("replacement packet = %+v, want count 3", p)
	}

	select {
	case p := <-sub.C:
		t.Errorf("canceled schedule still delivered %+v", p)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsUserTimers(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	sub := h.Subscribe("alice", CapabilitySet(CapCore|CapAuthentication))
	at := uint64(time.Now().Add(time.Hour).Unix())
	h.SetUserCooldown("alice", 0, []CooldownStep{{At: at, Count: 1}})
	if p := recv(t, sub); p.Count == nil {
		t.Fatalf("initial packet = %+v, want a count", p)
	}

	h.Unsubscribe(sub.ID)
	expectClosed(t, sub)

	// a cooldown push for a user without connections is a no-op
	h.SetUserCooldown("alice", 2, nil)
}

func TestHubClose(t *testing.T) {
	h := NewHub(4)

	sub := h.Subscribe("alice", CapabilitySet(CapCore))
	h.Close()

	expectClosed(t, sub)

	late := h.Subscribe("bob", CapabilitySet(CapCore))
	expectClosed(t, late)
}
