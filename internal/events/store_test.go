package events

import (
	"testing"
	"time"
)

func TestStoreAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, Source: "target:prod", Kind: KindStatus, State: "connecting"},
		{Timestamp: base.Add(10 * time.Minute), Source: "target:prod", Kind: KindStatus, State: "connected"},
		{Timestamp: base.Add(20 * time.Minute), Source: "tunnel", Kind: KindStatus, State: "error"},
	}
	for _, evt := range seed {
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	targets, err := s.Read(Query{Source: "target"})
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 target events, got %d", len(targets))
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].Source != "tunnel" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := s.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].State != "error" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestBusFanOutAndJournal(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	store := NewStore()
	bus := NewBus(2, store)

	ch, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	bus.Status("hub", "running", "listening", SeverityInfo)
	bus.Log("hub", SeverityWarn, "session dropped")
	bus.Log("hub", SeverityInfo, "session added")

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber missed event %d", i)
		}
	}

	recent := bus.Recent(10)
	if len(recent) != 2 || recent[1].Message != "session added" {
		t.Fatalf("ring should keep the newest two events, got %+v", recent)
	}

	journal, err := store.Read(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(journal) != 1 || journal[0].Kind != KindStatus {
		t.Fatalf("only status events are journaled, got %+v", journal)
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Log("hub", SeverityInfo, "ignored")
	if got := bus.Recent(5); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
