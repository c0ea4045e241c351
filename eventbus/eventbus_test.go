package eventbus

import (
	"testing"

	"github.com/n0iac/agentcore/core"
)

func TestBus_PublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe("t1", "s1", "sub1")
	ch2, unsub2 := b.Subscribe("t1", "s1", "sub2")
	defer unsub1()
	defer unsub2()

	b.Publish("t1", "s1", core.Event{ID: "e1", Kind: core.MessageAgentMarkdown})

	for _, ch := range []<-chan core.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.ID != "e1" {
				t.Fatalf("unexpected event %+v", ev)
			}
		default:
			t.Fatal("expected event delivered")
		}
	}
}

func TestBus_SubscribersAreScopedBySession(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("t1", "s1", "sub1")
	defer unsub()

	b.Publish("t1", "s2", core.Event{ID: "other-session"})

	select {
	case ev := <-ch:
		t.Fatalf("did not expect delivery for a different session: %+v", ev)
	default:
	}
}

func TestBus_DropsOldestProgressBeforeMarkdown(t *testing.T) {
	b := NewWithQueueSize(2)
	ch, unsub := b.Subscribe("t1", "s1", "sub1")
	defer unsub()

	b.Publish("t1", "s1", core.Event{ID: "progress-1", Kind: core.MessageAgentProgress})
	b.Publish("t1", "s1", core.Event{ID: "progress-2", Kind: core.MessageAgentProgress})
	b.Publish("t1", "s1", core.Event{ID: "markdown-1", Kind: core.MessageAgentMarkdown})

	var got []string
	for i := 0; i < 2; i++ {
		got = append(got, (<-ch).ID)
	}
	foundMarkdown := false
	for _, id := range got {
		if id == "markdown-1" {
			foundMarkdown = true
		}
	}
	if !foundMarkdown {
		t.Fatalf("expected markdown event to survive eviction, got %v", got)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("t1", "s1", "sub1")
	unsub()

	b.Publish("t1", "s1", core.Event{ID: "e1"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}
