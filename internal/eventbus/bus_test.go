package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"callrelay/broker/internal/logging"
)

func packetEvent(callID string, seq int64) Event {
	return Event{
		Kind:           KindPacketReceived,
		PacketReceived: &PacketReceived{CallID: callID, Sequence: seq},
	}
}

func TestBusDeliversInPublicationOrder(t *testing.T) {
	bus := New(logging.NewTestLogger())
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for i := int64(0); i < 10; i++ {
		bus.Publish(packetEvent("c1", i))
	}

	for i := int64(0); i < 10; i++ {
		select {
		case event := <-sub.Events():
			if event.PacketReceived == nil || event.PacketReceived.Sequence != i {
				t.Fatalf("expected sequence %d, got %+v", i, event)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := New(logging.NewTestLogger())
	first := bus.Subscribe()
	second := bus.Subscribe()
	defer first.Unsubscribe()
	defer second.Unsubscribe()

	bus.Publish(packetEvent("c1", 0))

	for _, sub := range []*Subscription{first, second} {
		select {
		case event := <-sub.Events():
			if event.PacketReceived.CallID != "c1" {
				t.Fatalf("unexpected event %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBusDropsSlowSubscriberNotEvent(t *testing.T) {
	bus := New(logging.NewTestLogger())
	slow := bus.Subscribe()
	fast := bus.Subscribe()
	defer fast.Unsubscribe()

	//1.- Fill the slow subscriber's buffer without draining it, then overflow;
	// the fast subscriber drains each event as it is published.
	total := 0
	for i := int64(0); i <= int64(DefaultBufferSize); i++ {
		bus.Publish(packetEvent("c1", i))
		select {
		case <-fast.Events():
			total++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed event %d", i)
		}
	}

	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected slow subscriber to be dropped, have %d subscribers", bus.SubscriberCount())
	}

	//2.- The slow subscriber's channel is closed after the buffered events drain.
	received := 0
	for range slow.Events() {
		received++
	}
	if received != DefaultBufferSize {
		t.Fatalf("expected %d buffered events before close, got %d", DefaultBufferSize, received)
	}

	//3.- The healthy subscriber got every event, including the overflowing one.
	if total != DefaultBufferSize+1 {
		t.Fatalf("expected %d events, got %d", DefaultBufferSize+1, total)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := New(logging.NewTestLogger())
	sub := bus.Subscribe()
	sub.Unsubscribe()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, have %d", bus.SubscriberCount())
	}

	//1.- Double unsubscribe must not panic.
	sub.Unsubscribe()
}

func TestBusConcurrentSubscribePublishUnsubscribe(t *testing.T) {
	bus := New(logging.NewTestLogger())

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(packetEvent(fmt.Sprintf("c%d", n), int64(i)))
			}
		}(worker)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub := bus.Subscribe()
				select {
				case <-sub.Events():
				default:
				}
				sub.Unsubscribe()
			}
		}()
	}
	wg.Wait()
}
