package stock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rajatrajputdev/megance-inventory/internal/orders"
)

// Shape tags how a product record stores size-level stock.
type Shape string

const (
	ShapeAggregateOnly  Shape = "aggregate"
	ShapeGenderedRows   Shape = "gendered_rows"   // sizeQuantities: {gender: [{size, quantity}]}
	ShapeFlatRows       Shape = "flat_rows"       // sizes: [{size, quantity}]
	ShapeGenderedLabels Shape = "gendered_labels" // sizes: {gender: ["9", {size, quantity}, ...]}
)

var (
	ErrUnknownShape  = errors.New("unknown inventory shape")
	ErrShapeMismatch = errors.New("stored inventory shape does not match record")
)

func ParseShape(s string) (Shape, error) {
	switch sh := Shape(s); sh {
	case ShapeAggregateOnly, ShapeGenderedRows, ShapeFlatRows, ShapeGenderedLabels:
		return sh, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownShape, s)
}

// Field names the detail field a shape lives in.
type Field string

const (
	FieldNone           Field = ""
	FieldSizeQuantities Field = "sizeQuantities"
	FieldSizes          Field = "sizes"
)

func (s Shape) Field() Field {
	switch s {
	case ShapeGenderedRows:
		return FieldSizeQuantities
	case ShapeFlatRows, ShapeGenderedLabels:
		return FieldSizes
	}
	return FieldNone
}

// Row is a {size, quantity} stock row. Fields other than quantity are written
// back untouched; elements that are not objects are kept verbatim and never
// match a size.
type Row struct {
	Size     string
	Quantity int

	fields map[string]json.RawMessage
	raw    json.RawMessage
}

func NewRow(size string, quantity int) Row { return Row{Size: size, Quantity: quantity} }

// Stock reports whether the row carries a quantity.
func (r Row) Stock() bool { return r.raw == nil }

func (r *Row) UnmarshalJSON(b []byte) error {
	*r = Row{}
	var fields map[string]json.RawMessage
	if !isObject(b) || json.Unmarshal(b, &fields) != nil {
		r.raw = append(json.RawMessage(nil), b...)
		return nil
	}
	r.fields = fields
	if v, ok := fields["size"]; ok {
		var t orders.Text
		if t.UnmarshalJSON(v) == nil {
			r.Size = t.String()
		}
	}
	if v, ok := fields["quantity"]; ok {
		var q orders.Qty
		_ = q.UnmarshalJSON(v)
		r.Quantity = int(q)
	}
	return nil
}

func (r Row) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	if r.fields == nil {
		return json.Marshal(struct {
			Size     string `json:"size"`
			Quantity int    `json:"quantity"`
		}{r.Size, r.Quantity})
	}
	out := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		out[k] = v
	}
	q, err := json.Marshal(r.Quantity)
	if err != nil {
		return nil, err
	}
	out["quantity"] = q
	return json.Marshal(out)
}

// Entry is one element of a gendered size-label list: either a bare label or
// a quantity-bearing row.
type Entry struct {
	Label string
	Row   *Row

	raw json.RawMessage
}

func LabelEntry(label string) Entry { return Entry{Label: label} }

func RowEntry(r Row) Entry { return Entry{Row: &r} }

func (e *Entry) UnmarshalJSON(b []byte) error {
	*e = Entry{}
	if isObject(b) {
		var r Row
		if err := r.UnmarshalJSON(b); err != nil {
			return err
		}
		e.Row = &r
		return nil
	}
	var t orders.Text
	if err := t.UnmarshalJSON(b); err == nil {
		e.Label = t.String()
	}
	if b = bytes.TrimSpace(b); len(b) == 0 || b[0] != '"' {
		e.raw = append(json.RawMessage(nil), b...)
	}
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	switch {
	case e.Row != nil:
		return e.Row.MarshalJSON()
	case e.raw != nil:
		return e.raw, nil
	}
	return json.Marshal(e.Label)
}

// Inventory is the classified form of a product's stock. Exactly one of
// Gendered, Flat or Labels is populated, according to Shape.
type Inventory struct {
	Shape    Shape
	Quantity int
	Gendered map[string][]Row
	Flat     []Row
	Labels   map[string][]Entry

	// Anomalies records detail fields that were present but did not match any
	// shape, so the record fell through to a later one.
	Anomalies []string

	// gender keys whose value is not a list; preserved on Encode
	opaque map[string]json.RawMessage
}

// Classify sniffs the legacy record once. The checks run in a fixed order and
// the first match wins: gendered rows, flat rows, gendered labels, aggregate.
func Classify(quantity int, sizeQuantities, sizes []byte) (Inventory, error) {
	inv := Inventory{Shape: ShapeAggregateOnly, Quantity: max(quantity, 0)}

	if isObject(sizeQuantities) {
		rows, opaque, err := decodeGendered[Row](sizeQuantities)
		if err != nil {
			return Inventory{}, fmt.Errorf("decode sizeQuantities: %w", err)
		}
		inv.Shape, inv.Gendered, inv.opaque = ShapeGenderedRows, rows, opaque
		return inv, nil
	} else if present(sizeQuantities) {
		inv.Anomalies = append(inv.Anomalies, "sizeQuantities is set but is not an object")
	}

	switch {
	case isArray(sizes):
		var elems []json.RawMessage
		if err := json.Unmarshal(sizes, &elems); err != nil {
			return Inventory{}, fmt.Errorf("decode sizes: %w", err)
		}
		if len(elems) > 0 && isObject(elems[0]) {
			rows := make([]Row, len(elems))
			for i, e := range elems {
				_ = rows[i].UnmarshalJSON(e)
			}
			inv.Shape, inv.Flat = ShapeFlatRows, rows
			return inv, nil
		}
		if len(elems) > 0 {
			inv.Anomalies = append(inv.Anomalies, "sizes is a list of labels without quantities")
		}
	case isObject(sizes):
		labels, opaque, err := decodeGendered[Entry](sizes)
		if err != nil {
			return Inventory{}, fmt.Errorf("decode sizes: %w", err)
		}
		inv.Shape, inv.Labels, inv.opaque = ShapeGenderedLabels, labels, opaque
		return inv, nil
	case present(sizes):
		inv.Anomalies = append(inv.Anomalies, "sizes is set but is neither a list nor an object")
	}
	return inv, nil
}

// Decode reads a record whose shape was tagged by a previous normalization
// pass. Untagged records are classified; a tag the record does not satisfy is
// reported as an anomaly and the record is classified instead.
func Decode(tag Shape, quantity int, sizeQuantities, sizes []byte) (Inventory, error) {
	inv, err := decodeAs(tag, quantity, sizeQuantities, sizes)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, ErrShapeMismatch) {
		return Inventory{}, err
	}
	inv, cerr := Classify(quantity, sizeQuantities, sizes)
	if cerr != nil {
		return Inventory{}, cerr
	}
	inv.Anomalies = append(inv.Anomalies, err.Error())
	return inv, nil
}

func decodeAs(tag Shape, quantity int, sizeQuantities, sizes []byte) (Inventory, error) {
	if tag == "" {
		return Classify(quantity, sizeQuantities, sizes)
	}
	if _, err := ParseShape(string(tag)); err != nil {
		return Inventory{}, err
	}
	if got := sniff(sizeQuantities, sizes); got != tag {
		return Inventory{}, fmt.Errorf("%w: tagged %s, record looks %s", ErrShapeMismatch, tag, got)
	}
	inv := Inventory{Shape: tag, Quantity: max(quantity, 0)}
	var err error
	switch tag {
	case ShapeGenderedRows:
		inv.Gendered, inv.opaque, err = decodeGendered[Row](sizeQuantities)
	case ShapeFlatRows:
		err = json.Unmarshal(sizes, &inv.Flat)
	case ShapeGenderedLabels:
		inv.Labels, inv.opaque, err = decodeGendered[Entry](sizes)
	}
	if err != nil {
		return Inventory{}, fmt.Errorf("decode %s: %w", tag, err)
	}
	return inv, nil
}

// Encode renders the detail field back into its stored JSON form.
func (inv Inventory) Encode() (Field, []byte, error) {
	var (
		v   any
		err error
		b   []byte
	)
	switch inv.Shape {
	case ShapeGenderedRows:
		v = mergeOpaque(inv.Gendered, inv.opaque)
	case ShapeFlatRows:
		v = inv.Flat
	case ShapeGenderedLabels:
		v = mergeOpaque(inv.Labels, inv.opaque)
	default:
		return FieldNone, nil, nil
	}
	if b, err = json.Marshal(v); err != nil {
		return FieldNone, nil, fmt.Errorf("encode %s: %w", inv.Shape, err)
	}
	return inv.Shape.Field(), b, nil
}

// Total sums every quantity-bearing row of the detail field.
func (inv Inventory) Total() int {
	n := 0
	switch inv.Shape {
	case ShapeGenderedRows:
		for _, rows := range inv.Gendered {
			n += sumRows(rows)
		}
	case ShapeFlatRows:
		n = sumRows(inv.Flat)
	case ShapeGenderedLabels:
		for _, entries := range inv.Labels {
			for _, e := range entries {
				if e.Row != nil && e.Row.Stock() {
					n += e.Row.Quantity
				}
			}
		}
	default:
		return inv.Quantity
	}
	return n
}

func (inv Inventory) hasLabelRows() bool {
	for _, entries := range inv.Labels {
		for _, e := range entries {
			if e.Row != nil && e.Row.Stock() {
				return true
			}
		}
	}
	return false
}

func (inv Inventory) clone() Inventory {
	out := inv
	out.Anomalies = append([]string(nil), inv.Anomalies...)
	if inv.Gendered != nil {
		out.Gendered = make(map[string][]Row, len(inv.Gendered))
		for k, rows := range inv.Gendered {
			out.Gendered[k] = append([]Row(nil), rows...)
		}
	}
	if inv.Flat != nil {
		out.Flat = append([]Row(nil), inv.Flat...)
	}
	if inv.Labels != nil {
		out.Labels = make(map[string][]Entry, len(inv.Labels))
		for k, entries := range inv.Labels {
			cp := make([]Entry, len(entries))
			for i, e := range entries {
				cp[i] = e
				if e.Row != nil {
					r := *e.Row
					cp[i].Row = &r
				}
			}
			out.Labels[k] = cp
		}
	}
	return out
}

func sumRows(rows []Row) int {
	n := 0
	for _, r := range rows {
		if r.Stock() {
			n += r.Quantity
		}
	}
	return n
}

func decodeGendered[T any](b []byte) (map[string][]T, map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, nil, err
	}
	out := make(map[string][]T, len(raw))
	var opaque map[string]json.RawMessage
	for k, v := range raw {
		if !isArray(v) {
			if opaque == nil {
				opaque = make(map[string]json.RawMessage)
			}
			opaque[k] = v
			continue
		}
		var list []T
		if err := json.Unmarshal(v, &list); err != nil {
			return nil, nil, fmt.Errorf("gender %q: %w", k, err)
		}
		out[k] = list
	}
	return out, opaque, nil
}

func mergeOpaque[T any](m map[string][]T, opaque map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(m)+len(opaque))
	for k, v := range opaque {
		out[k] = v
	}
	for k, v := range m {
		if v == nil {
			v = []T{}
		}
		out[k] = v
	}
	return out
}

// sniff picks the shape a record's fields satisfy, in classification order,
// without decoding the detail.
func sniff(sizeQuantities, sizes []byte) Shape {
	switch {
	case isObject(sizeQuantities):
		return ShapeGenderedRows
	case isArray(sizes):
		var elems []json.RawMessage
		if json.Unmarshal(sizes, &elems) == nil && len(elems) > 0 && isObject(elems[0]) {
			return ShapeFlatRows
		}
	case isObject(sizes):
		return ShapeGenderedLabels
	}
	return ShapeAggregateOnly
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

func isArray(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '['
}

// present mirrors a truthiness check on the stored value.
func present(b []byte) bool {
	switch string(bytes.TrimSpace(b)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}
