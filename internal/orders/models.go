package orders

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidItems    = errors.New("order items is not a list")
)

type Order struct {
	ID           string
	UserID       string // kosong = order tanpa pemilik (guest / admin)
	Status       Status
	Items        []LineItem
	Reconciled   bool
	ReconciledAt *time.Time
}

// LineItem is one entry of an order's items list. Decoding is lenient: a bad
// element never fails the whole order, it is recorded in Err instead.
type LineItem struct {
	ID   string `json:"id"`
	Qty  Qty    `json:"qty"`
	Meta *Meta  `json:"meta,omitempty"`

	Err error `json:"-"`
}

type Meta struct {
	Size   Text `json:"size,omitempty"`
	Gender Text `json:"gender,omitempty"`
}

func (it *LineItem) UnmarshalJSON(b []byte) error {
	*it = LineItem{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil || raw == nil {
		it.Err = fmt.Errorf("line item is not an object: %s", abbreviate(b))
		return nil
	}

	idRaw, ok := raw["id"]
	if !ok || isNull(idRaw) {
		it.Err = fmt.Errorf("line item has no id")
		return nil
	}
	if err := json.Unmarshal(idRaw, &it.ID); err != nil {
		it.Err = fmt.Errorf("line item id is not a string: %s", abbreviate(idRaw))
		return nil
	}

	if q, ok := raw["qty"]; ok {
		_ = it.Qty.UnmarshalJSON(q) // Qty never fails
	}

	if m, ok := raw["meta"]; ok && isObject(m) {
		var meta Meta
		if err := json.Unmarshal(m, &meta); err != nil {
			it.Err = fmt.Errorf("line item %q meta: %w", it.ID, err)
			return nil
		}
		it.Meta = &meta
	}
	return nil
}

// DecodeItems decodes the stored items list. Only a non-list document is an
// error; individual bad elements come back with LineItem.Err set.
func DecodeItems(b []byte) ([]LineItem, error) {
	if len(bytes.TrimSpace(b)) == 0 || isNull(b) {
		return nil, nil
	}
	var items []LineItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItems, err)
	}
	return items, nil
}

// Qty is a quantity coerced to a non-negative integer. Numbers are truncated,
// numeric strings are parsed, anything else is 0. Values are capped at MaxQty.
type Qty int

// MaxQty is the largest quantity a products.quantity INTEGER column can hold.
const MaxQty = math.MaxInt32

func (q *Qty) UnmarshalJSON(b []byte) error {
	*q = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	var f float64
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		f = v
	default:
		if err := json.Unmarshal(b, &f); err != nil {
			return nil
		}
	}
	switch {
	case f >= MaxQty:
		*q = MaxQty
	case f > 0:
		*q = Qty(int(f))
	}
	return nil
}

// Text is a loosely typed label (size, gender). Strings are kept, numbers are
// rendered in their shortest form, and falsy values (null, false, 0, "") are empty.
type Text string

func (t Text) String() string { return string(t) }

func (t *Text) UnmarshalJSON(b []byte) error {
	*t = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case 'n', 'f':
		// null, false
	case 't':
		*t = "true"
	case '{', '[':
		return fmt.Errorf("expected a scalar, got %s", abbreviate(b))
	default:
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return err
		}
		if f != 0 {
			*t = Text(strconv.FormatFloat(f, 'f', -1, 64))
		}
	}
	return nil
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

func isNull(b []byte) bool { return string(bytes.TrimSpace(b)) == "null" }

func abbreviate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
