package service

import (
	"fmt"
	"sort"
)

// Comparator orders candidate drivers; it reports whether a should be tried before b
type Comparator func(a, b Availability) bool

// LeastLoaded prefers drivers with fewer active orders
func LeastLoaded(a, b Availability) bool {
	if a.ActiveOrders != b.ActiveOrders {
		return a.ActiveOrders < b.ActiveOrders
	}
	return a.Driver.ID < b.Driver.ID
}

// IndependentLast prefers the business's own drivers, then the least loaded
func IndependentLast(a, b Availability) bool {
	ai, bi := a.Driver.Independent(), b.Driver.Independent()
	if ai != bi {
		return !ai
	}
	return LeastLoaded(a, b)
}

// ComparatorByName resolves a configured dispatch policy
func ComparatorByName(name string) (Comparator, error) {
	switch name {
	case "", "least_loaded":
		return LeastLoaded, nil
	case "independent_last":
		return IndependentLast, nil
	}
	return nil, fmt.Errorf("unknown dispatch policy: %q", name)
}

func rank(candidates []Availability, cmp Comparator) {
	if cmp == nil {
		cmp = LeastLoaded
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return cmp(candidates[i], candidates[j])
	})
}
