package storage

import (
	"testing"

	"github.com/example/ride-protocol/internal/models"
)

func TestMemoryStoreSaveAndLoad(t *testing.T) {
	s := NewMemoryStore()
	a := &models.SignedEvent{ID: "a", Kind: models.KindDriverAvailability}
	b := &models.SignedEvent{ID: "b", Kind: models.KindRideOffer}
	c := &models.SignedEvent{ID: "c", Kind: models.KindDriverAvailability}

	for _, pair := range []struct {
		session string
		event   *models.SignedEvent
	}{{"s1", a}, {"s1", b}, {"s2", c}} {
		if err := s.SaveEvent(pair.session, pair.event); err != nil {
			t.Fatalf("save %s: %v", pair.event.ID, err)
		}
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}

	chain, err := s.LoadSession("s1")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != "a" || chain[1].ID != "b" {
		t.Fatalf("session s1 chain %+v", chain)
	}

	empty, err := s.LoadSession("unknown")
	if err != nil {
		t.Fatalf("load unknown session: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("unknown session returned %d events", len(empty))
	}
}

func TestMemoryStoreDedupesByID(t *testing.T) {
	s := NewMemoryStore()
	e := &models.SignedEvent{ID: "a"}
	for i := 0; i < 3; i++ {
		if err := s.SaveEvent("s1", e); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	all, _ := s.LoadAll()
	if len(all) != 1 {
		t.Fatalf("got %d events after duplicate saves, want 1", len(all))
	}
}
