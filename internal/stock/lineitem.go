// Package stock holds the side-effect-free part of inventory reconciliation:
// line-item parsing, per-product grouping, inventory shape classification and
// the decrement itself. Every adapter (Kafka trigger, HTTP callable, operator
// CLI) goes through these functions and only supplies the transaction.
package stock

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rajatrajputdev/megance-inventory/internal/orders"
)

var ErrMalformedLineItem = errors.New("malformed line item")

const (
	GenderMen   = "men"
	GenderWomen = "women"
)

// Descriptor is a normalized line item. Gender is empty when unknown.
type Descriptor struct {
	ProductID string
	Size      string
	Gender    string
	Qty       int
}

// ParseLineItem resolves the (product, size, gender, qty) a line item refers
// to. Metadata wins over suffixes encoded in the id, e.g. "shoe-a-men-s9" with
// meta {size: 9, gender: men} is product "shoe-a".
func ParseLineItem(it orders.LineItem) (Descriptor, error) {
	if it.Err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedLineItem, it.Err)
	}

	var size, gender string
	if it.Meta != nil {
		size = it.Meta.Size.String()
		gender = it.Meta.Gender.String()
	}

	base := it.ID
	if size != "" {
		base = strings.TrimSuffix(base, "-s"+size)
	}
	if gender != "" {
		base = strings.TrimSuffix(base, "-"+gender)
	} else {
		switch {
		case strings.HasSuffix(base, "-"+GenderWomen):
			gender = GenderWomen
			base = strings.TrimSuffix(base, "-"+GenderWomen)
		case strings.HasSuffix(base, "-"+GenderMen):
			gender = GenderMen
			base = strings.TrimSuffix(base, "-"+GenderMen)
		}
	}

	return Descriptor{ProductID: base, Size: size, Gender: gender, Qty: int(it.Qty)}, nil
}

type DroppedItem struct {
	Index int
	ID    string
	Err   error
}

// Groups maps product id -> descriptors, in line-item order within a product.
type Groups struct {
	byProduct map[string][]Descriptor
	Dropped   []DroppedItem
}

var errEmptyProductID = errors.New("empty product id")

// Group collapses line items so each product is touched once per order.
// Items that fail to parse or resolve to an empty product id are dropped.
func Group(items []orders.LineItem) Groups {
	g := Groups{byProduct: make(map[string][]Descriptor)}
	for i, it := range items {
		d, err := ParseLineItem(it)
		if err == nil && d.ProductID == "" {
			err = errEmptyProductID
		}
		if err != nil {
			g.Dropped = append(g.Dropped, DroppedItem{Index: i, ID: it.ID, Err: err})
			continue
		}
		g.byProduct[d.ProductID] = append(g.byProduct[d.ProductID], d)
	}
	return g
}

func (g Groups) Parts(productID string) []Descriptor { return g.byProduct[productID] }

func (g Groups) Len() int { return len(g.byProduct) }

// ProductIDs returns the product ids in sorted order. Callers lock product
// rows in this order so concurrent orders sharing products cannot deadlock.
func (g Groups) ProductIDs() []string {
	ids := make([]string, 0, len(g.byProduct))
	for id := range g.byProduct {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
