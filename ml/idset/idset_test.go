package idset

import "testing"

func TestSetAddHasRemove(t *testing.T) {
	s := New()

	if s.Has(1) {
		t.Fatal("expected 1 absent before Add")
	}

	i0 := s.Add(1)
	i1 := s.Add(2)
	if i0 == i1 {
		t.Fatalf("expected distinct slots, got %d and %d", i0, i1)
	}
	if !s.Has(1) || !s.Has(2) {
		t.Fatal("expected 1 and 2 present after Add")
	}
	if s.Len() != 2 {
		t.Fatalf("expected Len()==2, got %d", s.Len())
	}

	s.Remove(1)
	if s.Has(1) {
		t.Fatal("expected 1 absent after Remove")
	}
	if s.Len() != 1 {
		t.Fatalf("expected Len()==1 after Remove, got %d", s.Len())
	}

	// Re-adding reuses the same slot.
	if got := s.Add(1); got != i0 {
		t.Fatalf("expected re-Add to reuse slot %d, got %d", i0, got)
	}
}

func TestSetReset(t *testing.T) {
	s := New()
	s.Add(1)
	s.Add(2)
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("expected Len()==0 after Reset, got %d", s.Len())
	}
	if s.Has(1) {
		t.Fatal("expected empty set after Reset")
	}
}

func TestTableGetSet(t *testing.T) {
	tbl := NewTable[int]()

	if v, ok := tbl.Get(10); ok || v != 0 {
		t.Fatalf("expected zero value for unseen id, got %d, %v", v, ok)
	}

	tbl.Set(10, 5)
	tbl.Set(20, 7)

	if v, ok := tbl.Get(10); !ok || v != 5 {
		t.Fatalf("expected 5, got %d, %v", v, ok)
	}
	if v, ok := tbl.Get(20); !ok || v != 7 {
		t.Fatalf("expected 7, got %d, %v", v, ok)
	}
	if got := tbl.GetOr(999, -1); got != -1 {
		t.Fatalf("expected default -1, got %d", got)
	}

	tbl.Set(10, 9)
	if v, _ := tbl.Get(10); v != 9 {
		t.Fatalf("expected overwrite to 9, got %d", v)
	}

	tbl.Reset()
	if tbl.Has(10) {
		t.Fatal("expected empty table after Reset")
	}
}
