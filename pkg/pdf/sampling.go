package pdf

// SamplePagesEvenly picks up to max zero-indexed pages spread evenly across a
// document of total pages. The first and last pages are always included when
// total > 1 and max > 1. Returned pages are strictly increasing.
func SamplePagesEvenly(total, max int) []int {
	if total <= 0 || max <= 0 {
		return nil
	}
	if total <= max {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i
		}
		return pages
	}
	if max == 1 {
		return []int{0}
	}

	pages := make([]int, 0, max)
	step := float64(total-1) / float64(max-1)
	last := -1
	for i := 0; i < max; i++ {
		p := int(float64(i)*step + 0.5)
		if p >= total {
			p = total - 1
		}
		if p > last {
			pages = append(pages, p)
			last = p
		}
	}
	return pages
}
