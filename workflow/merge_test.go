package workflow

import (
	"testing"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/models"
	"github.com/shopspring/decimal"
)

var planTime = time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

func TestPlanMerge_FillsOnlyAbsentColumns(t *testing.T) {
	current := map[string]any{
		"machine_code": "VM-042",
		"order_price":  "9000.00",
		"goods_name":   "Latte",
	}
	payload := models.HardwareOrder{
		OrderNumber:  "ORD-1",
		MachineCode:  "VM-042",
		OrderPrice:   decimal.NewFromInt(9000),
		GoodsName:    "Latte",
		TasteName:    "Caramel",
		CreationTime: planTime,
	}

	plan := PlanMerge(current, payload, decimal.NewFromInt(1))
	if len(plan.Conflicts) != 0 {
		t.Fatalf("no conflicts expected, got %+v", plan.Conflicts)
	}
	if _, ok := plan.Writes["goods_name"]; ok {
		t.Fatal("equal value must not be rewritten")
	}
	if plan.Writes["taste_name"] != "Caramel" {
		t.Fatal("absent column must be filled")
	}
	if _, ok := plan.Writes["machine_code"]; ok {
		t.Fatal("matching machine code must not be rewritten")
	}
}

func TestPlanMerge_IdenticalPayloadIsNoop(t *testing.T) {
	payload := models.HardwareOrder{
		OrderNumber:  "ORD-2",
		MachineCode:  "VM-042",
		OrderPrice:   decimal.NewFromInt(5000),
		GoodsName:    "Mocha",
		CreationTime: planTime,
	}
	first := PlanMerge(map[string]any{}, payload, decimal.NewFromInt(1))

	// Re-plan against the state the first plan produced.
	second := PlanMerge(first.Writes, payload, decimal.NewFromInt(1))
	if len(second.Writes) != 0 || len(second.Changes) != 0 {
		t.Fatalf("re-merge of identical values must be a no-op, got writes %v", second.Writes)
	}
	if len(second.Conflicts) != 0 {
		t.Fatalf("re-merge must not conflict with itself: %+v", second.Conflicts)
	}
}

func TestPlanMerge_MaterialDisagreementConflicts(t *testing.T) {
	current := map[string]any{"goods_name": "Latte"}
	payload := models.HardwareOrder{
		OrderNumber:  "ORD-3",
		MachineCode:  "VM-042",
		GoodsName:    "Espresso",
		CreationTime: planTime,
	}
	plan := PlanMerge(current, payload, decimal.NewFromInt(1))
	if len(plan.Conflicts) != 1 || plan.Conflicts[0].Column != "goods_name" {
		t.Fatalf("expected a goods_name conflict, got %+v", plan.Conflicts)
	}
}

func TestPlanMerge_AmountWithinToleranceKeepsExisting(t *testing.T) {
	current := map[string]any{"order_price": "9000.50"}
	payload := models.FiscalReceipt{
		ReceiptNumber:     "FR-1",
		OperationDatetime: planTime,
		OperationAmount:   decimal.NewFromInt(9000),
	}
	plan := PlanMerge(current, payload, decimal.NewFromInt(1))
	if len(plan.Conflicts) != 0 {
		t.Fatalf("within tolerance must not conflict: %+v", plan.Conflicts)
	}
	if _, ok := plan.Writes["order_price"]; ok {
		t.Fatal("existing canonical amount must be kept")
	}

	far := payload
	far.OperationAmount = decimal.NewFromInt(9500)
	plan = PlanMerge(current, far, decimal.NewFromInt(1))
	if len(plan.Conflicts) != 1 || plan.Conflicts[0].Column != "order_price" {
		t.Fatalf("beyond tolerance must conflict on order_price, got %+v", plan.Conflicts)
	}
}

func TestPlanMerge_DecimalScaleDoesNotConflict(t *testing.T) {
	// The driver returns decimals with the column scale; the same amount at
	// a different scale must compare equal.
	current := map[string]any{"fiscal_operation_amount": []byte("9000.00")}
	payload := models.FiscalReceipt{
		ReceiptNumber:     "FR-2",
		OperationDatetime: planTime,
		OperationAmount:   decimal.NewFromInt(9000),
	}
	plan := PlanMerge(current, payload, decimal.NewFromInt(1))
	for _, c := range plan.Conflicts {
		if c.Column == "fiscal_operation_amount" {
			t.Fatalf("scale-only difference must not conflict: %+v", c)
		}
	}
	if _, ok := plan.Writes["fiscal_operation_amount"]; ok {
		t.Fatal("equal amount must not be rewritten")
	}
}

func TestPlanMerge_TimeRenderingsCompareEqual(t *testing.T) {
	// Stored as DATETIME, read back as time.Time; incoming rendered as the
	// column string. Both must normalize to the same value.
	current := map[string]any{"creation_time": planTime}
	payload := models.HardwareOrder{
		OrderNumber:  "ORD-4",
		MachineCode:  "VM-042",
		CreationTime: planTime,
	}
	plan := PlanMerge(current, payload, decimal.NewFromInt(1))
	for _, c := range plan.Conflicts {
		if c.Column == "creation_time" {
			t.Fatalf("same instant must not conflict: %+v", c)
		}
	}
	if _, ok := plan.Writes["creation_time"]; ok {
		t.Fatal("same instant must not be rewritten")
	}
}
