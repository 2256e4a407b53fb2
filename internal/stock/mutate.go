package stock

import (
	"sort"
	"strings"
	"time"
)

// Update is the result of applying an order's parts to one product.
type Update struct {
	Shape     Shape
	Field     Field // detail field to write; FieldNone when only Quantity changes
	Inventory Inventory
	Quantity  int
	UpdatedAt time.Time

	Applied int // parts that decremented something
	Skipped int // parts that matched no row or lacked size/gender
}

// Apply decrements inv by parts and recomputes the aggregate. No row and no
// aggregate goes below zero. inv is not modified.
func Apply(inv Inventory, parts []Descriptor, now time.Time) Update {
	next := inv.clone()
	u := Update{Shape: next.Shape, UpdatedAt: now}

	switch next.Shape {
	case ShapeGenderedRows:
		for _, p := range parts {
			if p.Size == "" || p.Gender == "" {
				u.Skipped++
				continue
			}
			key, ok := resolveGender(next.Gendered, p.Gender)
			if ok && decrementRow(next.Gendered[key], p) {
				u.Applied++
			} else {
				u.Skipped++
			}
		}
		next.Quantity = next.Total()
		u.Field = FieldSizeQuantities

	case ShapeFlatRows:
		for _, p := range parts {
			if p.Size != "" && decrementRow(next.Flat, p) {
				u.Applied++
			} else {
				u.Skipped++
			}
		}
		next.Quantity = next.Total()
		u.Field = FieldSizes

	case ShapeGenderedLabels:
		if !next.hasLabelRows() {
			// labels only: nothing per-size to decrement
			next.Quantity = decrementAggregate(next.Quantity, parts)
			u.Applied = len(parts)
			break
		}
		for _, p := range parts {
			if p.Size == "" || p.Gender == "" {
				u.Skipped++
				continue
			}
			key, ok := resolveGender(next.Labels, p.Gender)
			if ok && decrementEntry(next.Labels[key], p) {
				u.Applied++
			} else {
				u.Skipped++
			}
		}
		next.Quantity = next.Total()
		u.Field = FieldSizes

	default:
		next.Shape = ShapeAggregateOnly
		u.Shape = ShapeAggregateOnly
		next.Quantity = decrementAggregate(next.Quantity, parts)
		u.Applied = len(parts)
	}

	u.Inventory = next
	u.Quantity = next.Quantity
	return u
}

// resolveGender finds the stored key for gender: exact match first, then
// case-insensitive in key order.
func resolveGender[T any](m map[string][]T, gender string) (string, bool) {
	if _, ok := m[gender]; ok {
		return gender, true
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, gender) {
			return k, true
		}
	}
	return "", false
}

func decrementRow(rows []Row, p Descriptor) bool {
	for i := range rows {
		if rows[i].Stock() && rows[i].Size == p.Size {
			rows[i].Quantity = subFloor(rows[i].Quantity, p.Qty)
			return true
		}
	}
	return false
}

func decrementEntry(entries []Entry, p Descriptor) bool {
	for i := range entries {
		r := entries[i].Row
		if r != nil && r.Stock() && r.Size == p.Size {
			r.Quantity = subFloor(r.Quantity, p.Qty)
			return true
		}
	}
	return false
}

// decrementAggregate subtracts the parts one at a time so a huge total floors
// at zero instead of overflowing.
func decrementAggregate(q int, parts []Descriptor) int {
	for _, p := range parts {
		if p.Qty <= 0 {
			continue
		}
		if p.Qty >= q {
			return 0
		}
		q -= p.Qty
	}
	return max(0, q)
}

func subFloor(q, n int) int {
	if n <= 0 {
		return max(0, q)
	}
	if n >= q {
		return 0
	}
	return q - n
}
