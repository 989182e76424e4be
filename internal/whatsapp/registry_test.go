package whatsapp

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

func TestRegistryRemoveAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Remove(uuid.New())
	if r.Len() != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestRegistryReserveIsAtomic(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Reserve(id, newSession(id, uuid.Nil, "", "")) {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("reservations won = %d, want 1", won.Load())
	}
}

func TestRegistryRemoveIf(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	old := newSession(id, uuid.Nil, "", "")
	cur := newSession(id, uuid.Nil, "", "")

	r.Put(id, old)
	r.Put(id, cur)

	if r.RemoveIf(id, old) {
		t.Fatal("removed a session that was already replaced")
	}
	if !r.IsCurrent(cur) || r.IsCurrent(old) {
		t.Fatal("IsCurrent mismatch")
	}
	if !r.RemoveIf(id, cur) {
		t.Fatal("RemoveIf of the current session failed")
	}
	if _, ok := r.Get(id); ok {
		t.Fatal("session still registered")
	}
}

func TestRegistryAll(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		id := uuid.New()
		r.Put(id, newSession(id, uuid.Nil, "", ""))
	}
	if got := len(r.All()); got != 3 {
		t.Fatalf("All() = %d sessions", got)
	}
}
