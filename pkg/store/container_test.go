package store

import "testing"

func TestStoreGetRemove(t *testing.T) {
	c := NewContainer(4)

	if !c.Store(DataItem{ID: 1, Owner: 10, Payload: []byte("a")}) {
		t.Fatalf("Store(1) = false, want true")
	}
	if !c.Store(DataItem{ID: 2, Owner: 10, Payload: []byte("b")}) {
		t.Fatalf("Store(2) = false, want true")
	}

	got, ok := c.Get(1)
	if !ok || got.ID != 1 || string(got.Payload) != "a" {
		t.Fatalf("Get(1) = %+v, %v", got, ok)
	}

	if !c.Remove(1) {
		t.Fatalf("Remove(1) = false, want true")
	}
	if c.Has(1) {
		t.Fatalf("Has(1) true after remove")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	c := NewContainer(4)
	c.Store(DataItem{ID: 1, Payload: []byte("a")})
	if c.Store(DataItem{ID: 1, Payload: []byte("b")}) {
		t.Fatalf("Store duplicate id returned true, want false")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestCapacityOverflowReturnsFalse(t *testing.T) {
	c := NewContainer(2)
	if !c.Store(DataItem{ID: 1}) {
		t.Fatalf("Store(1) = false")
	}
	if !c.Store(DataItem{ID: 2}) {
		t.Fatalf("Store(2) = false")
	}
	if c.Store(DataItem{ID: 3}) {
		t.Fatalf("Store(3) on full container = true, want false")
	}
	if c.FreeSpace() != 0 {
		t.Fatalf("FreeSpace = %d, want 0", c.FreeSpace())
	}
}

func TestClonePreventsSharedMutation(t *testing.T) {
	c := NewContainer(1)
	payload := []byte("original")
	c.Store(DataItem{ID: 1, Payload: payload})
	payload[0] = 'X'

	got, _ := c.Get(1)
	if string(got.Payload) != "original" {
		t.Fatalf("Get returned %q, want isolated copy %q", got.Payload, "original")
	}

	got.Payload[0] = 'Y'
	got2, _ := c.Get(1)
	if string(got2.Payload) != "original" {
		t.Fatalf("mutating a Get() result leaked into the container: %q", got2.Payload)
	}
}

func TestTransferFromStoresIntoLiveContainer(t *testing.T) {
	dst := NewContainer(4)
	items := []DataItem{{ID: 1}, {ID: 2}, {ID: 3}}

	n := dst.TransferFrom(items)
	if n != 3 {
		t.Fatalf("TransferFrom accepted = %d, want 3", n)
	}
	for _, it := range items {
		if !dst.Has(it.ID) {
			t.Fatalf("dst missing id %d after TransferFrom", it.ID)
		}
	}
}

func TestClearEmptiesAllSlots(t *testing.T) {
	c := NewContainer(3)
	c.Store(DataItem{ID: 1})
	c.Store(DataItem{ID: 2})
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", c.Len())
	}
	if c.FreeSpace() != 3 {
		t.Fatalf("FreeSpace after Clear = %d, want 3", c.FreeSpace())
	}
}

func TestAllReturnsIndependentCopies(t *testing.T) {
	c := NewContainer(2)
	c.Store(DataItem{ID: 1, Payload: []byte("x")})
	all := c.All()
	if len(all) != 1 {
		t.Fatalf("All() len = %d, want 1", len(all))
	}
	all[0].Payload[0] = 'z'
	got, _ := c.Get(1)
	if string(got.Payload) != "x" {
		t.Fatalf("mutating All() result leaked: %q", got.Payload)
	}
}
