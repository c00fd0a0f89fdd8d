package workflow

import (
	"fmt"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/models"
	"github.com/shopspring/decimal"
)

// FieldChange is one column write the plan will perform.
type FieldChange struct {
	Column string
	Old    string
	New    string
}

// FieldConflict is one column where both sides hold materially different
// values. A single conflict vetoes the whole plan.
type FieldConflict struct {
	Column   string
	Existing string
	Incoming string
}

// MergePlan is the outcome of diffing an incoming record against the current
// order row. Writes covers only the record's own column group plus canonical
// anchor fills; Conflicts non-empty means nothing may be written.
type MergePlan struct {
	Writes    map[string]any
	Changes   []FieldChange
	Conflicts []FieldConflict
}

func (p *MergePlan) put(column string, old string, value any) {
	p.Writes[column] = value
	p.Changes = append(p.Changes, FieldChange{Column: column, Old: old, New: normalizeValue(value)})
}

// PlanMerge diffs the payload's column group and canonical anchors against
// the current row. Pure: no store access, deterministic for given inputs.
//
// Fill rules per column: absent current + present incoming writes, equal
// values skip, materially different non-empty values conflict. The canonical
// amount tolerates the configured delta instead of exact equality.
func PlanMerge(current map[string]any, payload models.RecordPayload, tolerance decimal.Decimal) MergePlan {
	plan := MergePlan{Writes: map[string]any{}}
	anchors := payload.Anchors()

	if anchors.MachineCode != "" {
		cur := normalizeValue(current["machine_code"])
		switch {
		case cur == "":
			plan.put("machine_code", cur, anchors.MachineCode)
		case cur != anchors.MachineCode:
			plan.Conflicts = append(plan.Conflicts, FieldConflict{
				Column: "machine_code", Existing: cur, Incoming: anchors.MachineCode,
			})
		}
	}

	if !anchors.Amount.IsZero() {
		cur, ok := decimalValue(current["order_price"])
		switch {
		case !ok || cur.IsZero():
			plan.put("order_price", normalizeValue(current["order_price"]), anchors.Amount)
		case cur.Sub(anchors.Amount).Abs().GreaterThan(tolerance):
			plan.Conflicts = append(plan.Conflicts, FieldConflict{
				Column: "order_price", Existing: cur.String(), Incoming: anchors.Amount.String(),
			})
		}
	}

	for column, incoming := range payload.GroupColumns() {
		// Decimal columns compare numerically: the driver hands them back
		// as strings with a fixed scale that plain string equality would
		// mistake for a different value.
		if in, ok := incoming.(decimal.Decimal); ok {
			if in.IsZero() {
				continue
			}
			cur, exists := decimalValue(current[column])
			switch {
			case !exists:
				plan.put(column, "", incoming)
			case cur.Equal(in):
			default:
				plan.Conflicts = append(plan.Conflicts, FieldConflict{
					Column: column, Existing: cur.String(), Incoming: in.String(),
				})
			}
			continue
		}

		in := normalizeValue(incoming)
		if in == "" {
			continue
		}
		cur := normalizeValue(current[column])
		switch {
		case cur == "":
			plan.put(column, cur, incoming)
		case cur == in:
			// idempotent re-merge
		default:
			plan.Conflicts = append(plan.Conflicts, FieldConflict{
				Column: column, Existing: cur, Incoming: in,
			})
		}
	}
	return plan
}

// ConflictValues renders a plan's conflicts for the review queue.
func (p *MergePlan) ConflictValues() models.JSONMap {
	out := models.JSONMap{}
	for _, c := range p.Conflicts {
		out[c.Column] = map[string]string{"existing": c.Existing, "incoming": c.Incoming}
	}
	return out
}

const normalizedTimeLayout = "2006-01-02 15:04:05"

// normalizeValue renders any column value into the comparable string form
// used for equality. Empty string means "absent".
func normalizeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.UTC().Format(normalizedTimeLayout)
	case *time.Time:
		if x == nil {
			return ""
		}
		return normalizeValue(*x)
	case decimal.Decimal:
		return x.String()
	case *decimal.Decimal:
		if x == nil {
			return ""
		}
		return x.String()
	case fmt.Stringer:
		return x.String()
	case int:
		if x == 0 {
			return ""
		}
		return fmt.Sprintf("%d", x)
	case int64:
		if x == 0 {
			return ""
		}
		return fmt.Sprintf("%d", x)
	case float64:
		return decimal.NewFromFloat(x).String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func decimalValue(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, false
		}
		return *x, true
	case float64:
		return decimal.NewFromFloat(x), true
	case []byte:
		d, err := decimal.NewFromString(string(x))
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}
