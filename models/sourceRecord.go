package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// RecordAnchors are the cross-source fields every stream carries in some
// form. The matching engine operates only on these; everything else is an
// opaque column group owned by the record's kind.
type RecordAnchors struct {
	OrderNumber string
	MachineCode string
	Timestamp   time.Time
	Amount      decimal.Decimal
}

// RecordPayload is the closed set of six normalized record shapes.
type RecordPayload interface {
	Kind() SourceKind
	Anchors() RecordAnchors
	// GroupColumns returns the unified_orders columns this kind owns,
	// keyed by column name. Only these columns are ever written by a
	// merge of this kind.
	GroupColumns() map[string]any
}

const columnTimeLayout = "2006-01-02 15:04:05"

func formatColumnTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(columnTimeLayout)
}

func formatColumnTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatColumnTime(*t)
}

// HardwareOrder is one dispense event from the machines' own logs. This is
// the primary stream: it always carries the business order number.
type HardwareOrder struct {
	OrderNumber   string          `json:"order_number" validate:"required"`
	MachineCode   string          `json:"machine_code" validate:"required"`
	OrderPrice    decimal.Decimal `json:"order_price"`
	GoodsName     string          `json:"goods_name"`
	TasteName     string          `json:"taste_name"`
	OrderType     string          `json:"order_type"`
	OrderResource string          `json:"order_resource"`
	PaymentStatus string          `json:"payment_status"`
	BrewStatus    string          `json:"brew_status"`
	CreationTime  time.Time       `json:"creation_time" validate:"required"`
	PayingTime    *time.Time      `json:"paying_time"`
	BrewingTime   *time.Time      `json:"brewing_time"`
	DeliveryTime  *time.Time      `json:"delivery_time"`
	RefundTime    *time.Time      `json:"refund_time"`
	Reason        string          `json:"reason"`
	Address       string          `json:"address"`
}

func (h HardwareOrder) Kind() SourceKind { return SourceKindHardware }

func (h HardwareOrder) Anchors() RecordAnchors {
	return RecordAnchors{
		OrderNumber: h.OrderNumber,
		MachineCode: h.MachineCode,
		Timestamp:   h.CreationTime,
		Amount:      h.OrderPrice,
	}
}

func (h HardwareOrder) GroupColumns() map[string]any {
	return map[string]any{
		"goods_name":     h.GoodsName,
		"taste_name":     h.TasteName,
		"order_type":     h.OrderType,
		"order_resource": h.OrderResource,
		"payment_status": h.PaymentStatus,
		"brew_status":    h.BrewStatus,
		"creation_time":  formatColumnTime(h.CreationTime),
		"paying_time":    formatColumnTimePtr(h.PayingTime),
		"brewing_time":   formatColumnTimePtr(h.BrewingTime),
		"delivery_time":  formatColumnTimePtr(h.DeliveryTime),
		"refund_time":    formatColumnTimePtr(h.RefundTime),
		"reason":         h.Reason,
		"address":        h.Address,
	}
}

// SalesReport is one row of the vending operator's sales export (vhr_*).
type SalesReport struct {
	ReportRowID     int             `json:"report_row_id"`
	OrderNumber     string          `json:"order_number"`
	MachineCode     string          `json:"machine_code" validate:"required"`
	MachineCategory string          `json:"machine_category"`
	OrderPrice      decimal.Decimal `json:"order_price"`
	FormattedTime   time.Time       `json:"formatted_time" validate:"required"`
	Username        string          `json:"username"`
	PaymentType     string          `json:"payment_type"`
	GoodsName       string          `json:"goods_name"`
	Barcode         string          `json:"barcode"`
	IkpuCode        string          `json:"ikpu_code"`
	Marking         string          `json:"marking"`
	AccruedBonus    decimal.Decimal `json:"accrued_bonus"`
}

func (s SalesReport) Kind() SourceKind { return SourceKindSales }

func (s SalesReport) Anchors() RecordAnchors {
	return RecordAnchors{
		OrderNumber: s.OrderNumber,
		MachineCode: s.MachineCode,
		Timestamp:   s.FormattedTime,
		Amount:      s.OrderPrice,
	}
}

func (s SalesReport) GroupColumns() map[string]any {
	return map[string]any{
		"vhr_id":               s.ReportRowID,
		"vhr_time":             formatColumnTime(s.FormattedTime),
		"vhr_username":         s.Username,
		"vhr_payment_type":     s.PaymentType,
		"vhr_machine_category": s.MachineCategory,
		"vhr_barcode":          s.Barcode,
		"vhr_ikpu_code":        s.IkpuCode,
		"vhr_marking":          s.Marking,
		"vhr_accrued_bonus":    s.AccruedBonus,
	}
}

// FiscalReceipt is one fiscalized cheque from the tax module. Carries no
// order number; matched fuzzily on time + amount.
type FiscalReceipt struct {
	ReceiptNumber     string          `json:"receipt_number" validate:"required"`
	RecipeNumber      string          `json:"recipe_number"`
	FiscalModule      string          `json:"fiscal_module"`
	OperationDatetime time.Time       `json:"operation_datetime" validate:"required"`
	OperationType     string          `json:"operation_type"`
	OperationAmount   decimal.Decimal `json:"operation_amount" validate:"required"`
	CashAmount        decimal.Decimal `json:"cash_amount"`
	CardAmount        decimal.Decimal `json:"card_amount"`
	Cashier           string          `json:"cashier"`
	TradePoint        string          `json:"trade_point"`
	CustomerInfo      string          `json:"customer_info"`
}

func (f FiscalReceipt) Kind() SourceKind { return SourceKindFiscal }

func (f FiscalReceipt) Anchors() RecordAnchors {
	return RecordAnchors{
		Timestamp: f.OperationDatetime,
		Amount:    f.OperationAmount,
	}
}

func (f FiscalReceipt) GroupColumns() map[string]any {
	return map[string]any{
		"fiscal_receipt_number":     f.ReceiptNumber,
		"fiscal_recipe_number":      f.RecipeNumber,
		"fiscal_module":             f.FiscalModule,
		"fiscal_operation_datetime": formatColumnTime(f.OperationDatetime),
		"fiscal_operation_type":     f.OperationType,
		"fiscal_operation_amount":   f.OperationAmount,
		"fiscal_cash_amount":        f.CashAmount,
		"fiscal_card_amount":        f.CardAmount,
		"fiscal_cashier":            f.Cashier,
		"fiscal_trade_point":        f.TradePoint,
		"fiscal_customer_info":      f.CustomerInfo,
	}
}

// PaymePayment is one settlement row from the Payme gateway feed.
type PaymePayment struct {
	ProviderPaymentID       string          `json:"provider_payment_id" validate:"required"`
	OrderNumber             string          `json:"order_number"`
	PaymentTime             time.Time       `json:"payment_time" validate:"required"`
	PaymentState            string          `json:"payment_state"`
	AmountWithoutCommission decimal.Decimal `json:"amount_without_commission" validate:"required"`
	ClientCommission        decimal.Decimal `json:"client_commission"`
	CardNumber              string          `json:"card_number"`
	RRN                     string          `json:"rrn"`
	PaymentSystemID         string          `json:"payment_system_id"`
	ProviderName            string          `json:"provider_name"`
	ProcessingName          string          `json:"processing_name"`
	CashboxName             string          `json:"cashbox_name"`
	CashboxIdentifier       string          `json:"cashbox_identifier"`
	FiscalReceiptID         string          `json:"fiscal_receipt_id"`
}

func (p PaymePayment) Kind() SourceKind { return SourceKindPayme }

func (p PaymePayment) Anchors() RecordAnchors {
	return RecordAnchors{
		OrderNumber: p.OrderNumber,
		// Payme cashbox identifiers are configured per machine.
		MachineCode: p.CashboxIdentifier,
		Timestamp:   p.PaymentTime,
		Amount:      p.AmountWithoutCommission,
	}
}

func (p PaymePayment) GroupColumns() map[string]any {
	return map[string]any{
		"payme_provider_payment_id":       p.ProviderPaymentID,
		"payme_order_number":              p.OrderNumber,
		"payme_payment_time":              formatColumnTime(p.PaymentTime),
		"payme_payment_state":             p.PaymentState,
		"payme_amount_without_commission": p.AmountWithoutCommission,
		"payme_client_commission":         p.ClientCommission,
		"payme_card_number":               p.CardNumber,
		"payme_rrn":                       p.RRN,
		"payme_payment_system_id":         p.PaymentSystemID,
		"payme_provider_name":             p.ProviderName,
		"payme_processing_name":           p.ProcessingName,
		"payme_cashbox_name":              p.CashboxName,
		"payme_fiscal_receipt_id":         p.FiscalReceiptID,
	}
}

// ClickPayment is one settlement row from the Click gateway feed.
type ClickPayment struct {
	ClickID       string          `json:"click_id" validate:"required"`
	PaymentDate   time.Time       `json:"payment_date" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentStatus string          `json:"payment_status"`
	PaymentMethod string          `json:"payment_method"`
	BillingID     string          `json:"billing_id"`
	ServiceName   string          `json:"service_name"`
	ClientInfo    string          `json:"client_info"`
	Cashbox       string          `json:"cashbox"`
	Identifier    string          `json:"identifier"`
}

func (c ClickPayment) Kind() SourceKind { return SourceKindClick }

func (c ClickPayment) Anchors() RecordAnchors {
	return RecordAnchors{
		MachineCode: c.Identifier,
		Timestamp:   c.PaymentDate,
		Amount:      c.Amount,
	}
}

func (c ClickPayment) GroupColumns() map[string]any {
	return map[string]any{
		"click_id":             c.ClickID,
		"click_payment_date":   formatColumnTime(c.PaymentDate),
		"click_amount":         c.Amount,
		"click_payment_status": c.PaymentStatus,
		"click_payment_method": c.PaymentMethod,
		"click_billing_id":     c.BillingID,
		"click_service_name":   c.ServiceName,
		"click_client_info":    c.ClientInfo,
		"click_cashbox":        c.Cashbox,
		"click_identifier":     c.Identifier,
	}
}

// UzumPayment is one settlement row from the Uzum (Liuzon) gateway feed.
type UzumPayment struct {
	ReceiptID      string          `json:"receipt_id" validate:"required"`
	ServiceName    string          `json:"service_name" validate:"required"`
	ParsedDatetime time.Time       `json:"parsed_datetime" validate:"required"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	Commission     decimal.Decimal `json:"commission"`
	Status         string          `json:"status"`
	CardNumber     string          `json:"card_number"`
	CardType       string          `json:"card_type"`
	MerchantID     string          `json:"merchant_id"`
}

func (u UzumPayment) Kind() SourceKind { return SourceKindUzum }

func (u UzumPayment) Anchors() RecordAnchors {
	return RecordAnchors{
		Timestamp: u.ParsedDatetime,
		Amount:    u.Amount,
	}
}

func (u UzumPayment) GroupColumns() map[string]any {
	return map[string]any{
		"uzum_receipt_id":      u.ReceiptID,
		"uzum_service_name":    u.ServiceName,
		"uzum_parsed_datetime": formatColumnTime(u.ParsedDatetime),
		"uzum_amount":          u.Amount,
		"uzum_commission":      u.Commission,
		"uzum_status":          u.Status,
		"uzum_card_number":     u.CardNumber,
		"uzum_card_type":       u.CardType,
		"uzum_merchant_id":     u.MerchantID,
	}
}

// DecodePayloadFor unmarshals one typed batch row for the given kind.
func DecodePayloadFor(kind SourceKind, raw []byte) (RecordPayload, error) {
	var payload RecordPayload
	var err error
	switch kind {
	case SourceKindHardware:
		var p HardwareOrder
		err = json.Unmarshal(raw, &p)
		payload = p
	case SourceKindSales:
		var p SalesReport
		err = json.Unmarshal(raw, &p)
		payload = p
	case SourceKindFiscal:
		var p FiscalReceipt
		err = json.Unmarshal(raw, &p)
		payload = p
	case SourceKindPayme:
		var p PaymePayment
		err = json.Unmarshal(raw, &p)
		payload = p
	case SourceKindClick:
		var p ClickPayment
		err = json.Unmarshal(raw, &p)
		payload = p
	case SourceKindUzum:
		var p UzumPayment
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, errors.New("invalid source kind")
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// SourceRecord is one normalized row, immutable once written. It keeps the
// anchors denormalized for candidate queries and the full payload as JSON so
// the sweeper can replay merges for late-arriving corroboration.
type SourceRecord struct {
	ID             int             `gorm:"primary_key" json:"id"`
	SourceFileID   int             `gorm:"index;not null" json:"source_file_id"`
	FileType       SourceKind      `gorm:"size:20;index;not null" json:"file_type"`
	RowIndex       int             `gorm:"not null" json:"row_index"`
	OrderNumber    string          `gorm:"size:100;index" json:"order_number"`
	MachineCode    string          `gorm:"size:50;index" json:"machine_code"`
	EventTime      time.Time       `gorm:"index;not null" json:"event_time"`
	Amount         decimal.Decimal `gorm:"type:decimal(18,2)" json:"amount"`
	Payload        string          `gorm:"type:json" json:"payload"`
	MatchedOrderID *int            `gorm:"index" json:"matched_order_id"`
	// Staged records are durably kept but blocked from merging until a
	// human resolves the ambiguity that parked them.
	Staged    bool      `gorm:"index;not null;default:false" json:"staged"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func NewSourceRecord(sourceFileID int, rowIndex int, payload RecordPayload) (*SourceRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	anchors := payload.Anchors()
	return &SourceRecord{
		SourceFileID: sourceFileID,
		FileType:     payload.Kind(),
		RowIndex:     rowIndex,
		OrderNumber:  anchors.OrderNumber,
		MachineCode:  anchors.MachineCode,
		EventTime:    anchors.Timestamp.UTC(),
		Amount:       anchors.Amount,
		Payload:      string(raw),
	}, nil
}

func (r *SourceRecord) DecodePayload() (RecordPayload, error) {
	return DecodePayloadFor(r.FileType, []byte(r.Payload))
}
