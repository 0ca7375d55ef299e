package pagestore

// OrderEpsilon is the smallest order gap midpoint insertion will split.
// Below it, repeated insertions have exhausted float resolution and the
// suffix is renumbered instead.
const OrderEpsilon = 0.01

// InsertOrder computes the order value for a page inserted after
// currentPageID. Most insertions take the midpoint between the current page
// and its successor, leaving every other page untouched. When the gap has
// collapsed below OrderEpsilon, every page ordered after the current one is
// shifted up by one and the new page takes current+1; the returned bool
// reports that this renumbering mutated pages and they need persisting.
func InsertOrder(pages []*Page, currentPageID int64) (float64, bool) {
	sorted := Sorted(pages)
	if len(sorted) == 0 {
		return 1, false
	}

	index := -1
	if currentPageID != 0 {
		for i, page := range sorted {
			if page.ID == currentPageID {
				index = i
				break
			}
		}
	}
	if index == -1 {
		// No anchor: append after the last page.
		return sorted[len(sorted)-1].SortOrder() + 1, false
	}

	current := sorted[index].SortOrder()
	if index == len(sorted)-1 {
		return current + 1, false
	}

	next := sorted[index+1].SortOrder()
	if next-current < OrderEpsilon {
		for _, page := range pages {
			if order := page.SortOrder(); order > current {
				page.SetOrder(order + 1)
			}
		}
		return current + 1, true
	}
	return current + (next-current)/2, false
}

// Swap exchanges the order values of a page and its neighbor (the previous
// page when up is true, the next otherwise). Returns false when the page is
// already at the boundary or unknown.
func Swap(pages []*Page, pageID int64, up bool) bool {
	sorted := Sorted(pages)
	index := -1
	for i, page := range sorted {
		if page.ID == pageID {
			index = i
			break
		}
	}
	if index == -1 {
		return false
	}

	neighbor := index + 1
	if up {
		neighbor = index - 1
	}
	if neighbor < 0 || neighbor >= len(sorted) {
		return false
	}

	a, b := sorted[index], sorted[neighbor]
	aOrder, bOrder := a.SortOrder(), b.SortOrder()
	a.SetOrder(bOrder)
	b.SetOrder(aOrder)
	return true
}

// MoveTo places a page at targetIndex in the sorted sequence and reassigns
// all pages dense 1..N orders. A drag-to-position is already O(N), so the
// full densification resets gap pressure for free.
func MoveTo(pages []*Page, pageID int64, targetIndex int) bool {
	sorted := Sorted(pages)
	if targetIndex < 0 || targetIndex >= len(sorted) {
		return false
	}

	from := -1
	for i, page := range sorted {
		if page.ID == pageID {
			from = i
			break
		}
	}
	if from == -1 || from == targetIndex {
		return false
	}

	moved := sorted[from]
	sorted = append(sorted[:from], sorted[from+1:]...)
	sorted = append(sorted[:targetIndex], append([]*Page{moved}, sorted[targetIndex:]...)...)

	for i, page := range sorted {
		page.SetOrder(float64(i + 1))
	}
	return true
}
