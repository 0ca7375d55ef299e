package pagestore

import "testing"

func orderedPage(id int64, order float64) *Page {
	page := &Page{ID: id}
	page.SetOrder(order)
	return page
}

func TestInsertOrderEmptyList(t *testing.T) {
	order, renumbered := InsertOrder(nil, 0)
	if order != 1 || renumbered {
		t.Errorf("InsertOrder(empty) = %f, %v", order, renumbered)
	}
}

func TestInsertOrderAppends(t *testing.T) {
	pages := []*Page{orderedPage(1, 1), orderedPage(2, 2)}

	// No anchor: after the last page.
	order, renumbered := InsertOrder(pages, 0)
	if order != 3 || renumbered {
		t.Errorf("no anchor: %f, %v", order, renumbered)
	}

	// Anchor is the last page.
	order, renumbered = InsertOrder(pages, 2)
	if order != 3 || renumbered {
		t.Errorf("after last: %f, %v", order, renumbered)
	}
}

func TestInsertOrderMidpoint(t *testing.T) {
	pages := []*Page{orderedPage(1, 1), orderedPage(2, 2)}

	order, renumbered := InsertOrder(pages, 1)
	if order != 1.5 || renumbered {
		t.Errorf("midpoint: %f, %v", order, renumbered)
	}

	// Existing pages are untouched.
	if *pages[0].Order != 1 || *pages[1].Order != 2 {
		t.Errorf("midpoint insertion mutated neighbors: %f, %f", *pages[0].Order, *pages[1].Order)
	}
}

func TestInsertOrderRenumbersCollapsedGap(t *testing.T) {
	// 1/128 is exactly representable, so the shifted values compare exactly.
	pages := []*Page{
		orderedPage(1, 1),
		orderedPage(2, 1.0078125),
		orderedPage(3, 5),
	}

	order, renumbered := InsertOrder(pages, 1)
	if !renumbered {
		t.Fatal("collapsed gap did not trigger renumbering")
	}
	if order != 2 {
		t.Errorf("order = %f, want 2", order)
	}
	// Every page after the anchor shifted up by one.
	if *pages[1].Order != 2.0078125 {
		t.Errorf("page 2 order = %f, want 2.0078125", *pages[1].Order)
	}
	if *pages[2].Order != 6 {
		t.Errorf("page 3 order = %f, want 6", *pages[2].Order)
	}
	if *pages[0].Order != 1 {
		t.Errorf("anchor moved to %f", *pages[0].Order)
	}
}

func TestSwap(t *testing.T) {
	pages := []*Page{orderedPage(1, 1), orderedPage(2, 2), orderedPage(3, 3)}

	if !Swap(pages, 2, true) {
		t.Fatal("Swap up failed")
	}
	if *pages[0].Order != 2 || *pages[1].Order != 1 {
		t.Errorf("orders after swap: %f, %f", *pages[0].Order, *pages[1].Order)
	}

	// Boundary moves refuse.
	if Swap(pages, 2, true) {
		t.Error("swapped the first page up")
	}
	if Swap(pages, 3, false) {
		t.Error("swapped the last page down")
	}
	if Swap(pages, 99, true) {
		t.Error("swapped an unknown page")
	}
}

func TestMoveTo(t *testing.T) {
	pages := []*Page{
		orderedPage(1, 1),
		orderedPage(2, 2),
		orderedPage(3, 3),
		orderedPage(4, 4),
	}

	if !MoveTo(pages, 4, 0) {
		t.Fatal("MoveTo failed")
	}

	sorted := Sorted(pages)
	wantIDs := []int64{4, 1, 2, 3}
	for i, page := range sorted {
		if page.ID != wantIDs[i] {
			t.Errorf("position %d: page %d, want %d", i, page.ID, wantIDs[i])
		}
		if *page.Order != float64(i+1) {
			t.Errorf("page %d order = %f, want %d", page.ID, *page.Order, i+1)
		}
	}

	if MoveTo(pages, 4, 0) {
		t.Error("no-op move reported a change")
	}
	if MoveTo(pages, 1, 99) {
		t.Error("out-of-range move reported a change")
	}
}
