package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UnifiedOrder is the canonical reconciled order. The canonical anchors plus
// six flat column groups, one per stream; a merge of kind X only ever writes
// X's group. Version guards concurrent merges, the GET_LOCK in workflow
// serializes the common path.
type UnifiedOrder struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderNumber string          `gorm:"size:100;uniqueIndex;not null" json:"order_number"`
	MachineCode string          `gorm:"size:50;index" json:"machine_code"`
	OrderPrice  decimal.Decimal `gorm:"type:decimal(18,2)" json:"order_price"`
	// EventTime is the canonical anchor used for window queries: the
	// hardware creation time when known, else the first source's timestamp.
	EventTime time.Time `gorm:"index;not null" json:"event_time"`

	GoodsName     string     `gorm:"size:255" json:"goods_name"`
	TasteName     string     `gorm:"size:255" json:"taste_name"`
	OrderType     string     `gorm:"size:50" json:"order_type"`
	OrderResource string     `gorm:"size:50" json:"order_resource"`
	PaymentStatus string     `gorm:"size:50" json:"payment_status"`
	BrewStatus    string     `gorm:"size:50" json:"brew_status"`
	CreationTime  *time.Time `json:"creation_time"`
	PayingTime    *time.Time `json:"paying_time"`
	BrewingTime   *time.Time `json:"brewing_time"`
	DeliveryTime  *time.Time `json:"delivery_time"`
	RefundTime    *time.Time `json:"refund_time"`
	Reason        string     `gorm:"size:255" json:"reason"`
	Address       string     `gorm:"size:255" json:"address"`

	VhrID              int              `gorm:"column:vhr_id" json:"vhr_id"`
	VhrTime            *time.Time       `json:"vhr_time"`
	VhrUsername        string           `gorm:"size:100" json:"vhr_username"`
	VhrPaymentType     string           `gorm:"size:50" json:"vhr_payment_type"`
	VhrMachineCategory string           `gorm:"size:100" json:"vhr_machine_category"`
	VhrBarcode         string           `gorm:"size:100" json:"vhr_barcode"`
	VhrIkpuCode        string           `gorm:"size:100" json:"vhr_ikpu_code"`
	VhrMarking         string           `gorm:"size:100" json:"vhr_marking"`
	VhrAccruedBonus    *decimal.Decimal `gorm:"type:decimal(18,2)" json:"vhr_accrued_bonus"`

	FiscalReceiptNumber     string           `gorm:"size:100" json:"fiscal_receipt_number"`
	FiscalRecipeNumber      string           `gorm:"size:100" json:"fiscal_recipe_number"`
	FiscalModule            string           `gorm:"size:100" json:"fiscal_module"`
	FiscalOperationDatetime *time.Time       `json:"fiscal_operation_datetime"`
	FiscalOperationType     string           `gorm:"size:50" json:"fiscal_operation_type"`
	FiscalOperationAmount   *decimal.Decimal `gorm:"type:decimal(18,2)" json:"fiscal_operation_amount"`
	FiscalCashAmount        *decimal.Decimal `gorm:"type:decimal(18,2)" json:"fiscal_cash_amount"`
	FiscalCardAmount        *decimal.Decimal `gorm:"type:decimal(18,2)" json:"fiscal_card_amount"`
	FiscalCashier           string           `gorm:"size:100" json:"fiscal_cashier"`
	FiscalTradePoint        string           `gorm:"size:255" json:"fiscal_trade_point"`
	FiscalCustomerInfo      string           `gorm:"size:255" json:"fiscal_customer_info"`

	PaymeProviderPaymentID       string           `gorm:"size:100" json:"payme_provider_payment_id"`
	PaymeOrderNumber             string           `gorm:"size:100" json:"payme_order_number"`
	PaymePaymentTime             *time.Time       `json:"payme_payment_time"`
	PaymePaymentState            string           `gorm:"size:50" json:"payme_payment_state"`
	PaymeAmountWithoutCommission *decimal.Decimal `gorm:"type:decimal(18,2)" json:"payme_amount_without_commission"`
	PaymeClientCommission        *decimal.Decimal `gorm:"type:decimal(18,2)" json:"payme_client_commission"`
	PaymeCardNumber              string           `gorm:"size:50" json:"payme_card_number"`
	PaymeRRN                     string           `gorm:"column:payme_rrn;size:50" json:"payme_rrn"`
	PaymePaymentSystemID         string           `gorm:"size:100" json:"payme_payment_system_id"`
	PaymeProviderName            string           `gorm:"size:100" json:"payme_provider_name"`
	PaymeProcessingName          string           `gorm:"size:100" json:"payme_processing_name"`
	PaymeCashboxName             string           `gorm:"size:100" json:"payme_cashbox_name"`
	PaymeFiscalReceiptID         string           `gorm:"size:100" json:"payme_fiscal_receipt_id"`

	ClickID            string           `gorm:"column:click_id;size:100" json:"click_id"`
	ClickPaymentDate   *time.Time       `json:"click_payment_date"`
	ClickAmount        *decimal.Decimal `gorm:"type:decimal(18,2)" json:"click_amount"`
	ClickPaymentStatus string           `gorm:"size:50" json:"click_payment_status"`
	ClickPaymentMethod string           `gorm:"size:50" json:"click_payment_method"`
	ClickBillingID     string           `gorm:"size:100" json:"click_billing_id"`
	ClickServiceName   string           `gorm:"size:100" json:"click_service_name"`
	ClickClientInfo    string           `gorm:"size:255" json:"click_client_info"`
	ClickCashbox       string           `gorm:"size:100" json:"click_cashbox"`
	ClickIdentifier    string           `gorm:"size:100" json:"click_identifier"`

	UzumReceiptID      string           `gorm:"size:100" json:"uzum_receipt_id"`
	UzumServiceName    string           `gorm:"size:100" json:"uzum_service_name"`
	UzumParsedDatetime *time.Time       `json:"uzum_parsed_datetime"`
	UzumAmount         *decimal.Decimal `gorm:"type:decimal(18,2)" json:"uzum_amount"`
	UzumCommission     *decimal.Decimal `gorm:"type:decimal(18,2)" json:"uzum_commission"`
	UzumStatus         string           `gorm:"size:50" json:"uzum_status"`
	UzumCardNumber     string           `gorm:"size:50" json:"uzum_card_number"`
	UzumCardType       string           `gorm:"size:50" json:"uzum_card_type"`
	UzumMerchantID     string           `gorm:"size:100" json:"uzum_merchant_id"`

	Sources            StringList `gorm:"type:json" json:"sources"`
	SourceFiles        IntList    `gorm:"type:json" json:"source_files"`
	MatchScore         int        `gorm:"index;not null;default:0" json:"match_score"`
	IsTemporary        bool       `gorm:"index;not null;default:true" json:"is_temporary"`
	PermanentlyPartial bool       `gorm:"index;not null;default:false" json:"permanently_partial"`
	LastMatchedAt      *time.Time `json:"last_matched_at"`
	Version            int        `gorm:"not null;default:0" json:"version"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewTemporaryOrderNumber mints the surrogate number used when no source has
// supplied the business order number yet.
func NewTemporaryOrderNumber() string {
	return "TMP-" + uuid.NewString()
}

func IsTemporaryOrderNumber(orderNumber string) bool {
	return strings.HasPrefix(orderNumber, "TMP-")
}

// MatchScoreForSources is the corroboration table: score grows with the
// number of independent streams agreeing on the order.
func MatchScoreForSources(count int) int {
	switch {
	case count <= 0:
		return 0
	case count == 1:
		return 35
	case count == 2:
		return 70
	case count == 3:
		return 85
	case count == 4:
		return 95
	case count == 5:
		return 98
	default:
		return 100
	}
}

func GetUnifiedOrder(ctx context.Context, id int) (*UnifiedOrder, error) {
	var order UnifiedOrder
	if err := config.GetDB().WithContext(ctx).First(&order, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &order, nil
}

func GetUnifiedOrderByNumber(ctx context.Context, orderNumber string) (*UnifiedOrder, error) {
	var order UnifiedOrder
	err := config.GetDB().WithContext(ctx).
		Where("order_number = ?", orderNumber).
		First(&order).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &order, nil
}

// OrderRowAsMap reads one order as a raw column map inside the caller's tx.
// The merge planner diffs incoming group columns against this map.
func OrderRowAsMap(tx *gorm.DB, id int) (map[string]any, error) {
	row := map[string]any{}
	err := tx.Model(&UnifiedOrder{}).Where("id = ?", id).Take(&row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

// OrderFilter narrows ListUnifiedOrders. Zero values mean "any".
type OrderFilter struct {
	OrderNumber string
	MachineCode string
	From        time.Time
	To          time.Time
	Quality     MatchQuality
	Temporary   *bool
	Limit       int
	Offset      int
}

func ListUnifiedOrders(ctx context.Context, filter OrderFilter) ([]*UnifiedOrder, error) {
	db := config.GetDB().WithContext(ctx).Model(&UnifiedOrder{})
	if filter.OrderNumber != "" {
		db = db.Where("order_number = ?", filter.OrderNumber)
	}
	if filter.MachineCode != "" {
		db = db.Where("machine_code = ?", filter.MachineCode)
	}
	if !filter.From.IsZero() {
		db = db.Where("event_time >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		db = db.Where("event_time < ?", filter.To)
	}
	if filter.Quality != "" {
		lo, hi := scoreRangeForQuality(filter.Quality)
		db = db.Where("match_score >= ? AND match_score <= ?", lo, hi)
	}
	if filter.Temporary != nil {
		db = db.Where("is_temporary = ?", *filter.Temporary)
	}
	limit := filter.Limit
	if limit <= 0 || limit > config.SearchLimit {
		limit = config.SearchLimit
	}
	var out []*UnifiedOrder
	err := db.Order("event_time DESC").Limit(limit).Offset(filter.Offset).Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scoreRangeForQuality(q MatchQuality) (int, int) {
	switch q {
	case MatchQualityExcellent:
		return 90, 100
	case MatchQualityGood:
		return 70, 89
	case MatchQualityFair:
		return 40, 69
	default:
		return 0, 39
	}
}

// ListProblematicOrders returns orders that still have open review-queue
// entries, most recent first.
func ListProblematicOrders(ctx context.Context, limit int) ([]*UnifiedOrder, error) {
	if limit <= 0 || limit > config.SearchLimit {
		limit = config.SearchLimit
	}
	var out []*UnifiedOrder
	err := config.GetDB().WithContext(ctx).Model(&UnifiedOrder{}).
		Joins("JOIN order_errors ON order_errors.order_id = unified_orders.id").
		Where("order_errors.resolution_status = ?", ResolutionStatusOpen).
		Group("unified_orders.id").
		Order("unified_orders.updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompletenessBucket is one row of the source-combination breakdown.
type CompletenessBucket struct {
	Sources       StringList `json:"sources"`
	OrdersCount   int        `json:"orders_count"`
	AvgMatchScore float64    `json:"avg_match_score"`
	Temporary     int        `json:"temporary_count"`
}

// AnalyzeCompleteness groups orders by their source combination. The JSON
// sources column is grouped as text, which is stable because merge order is
// normalized when the list is written.
func AnalyzeCompleteness(ctx context.Context) ([]*CompletenessBucket, error) {
	type row struct {
		Sources   StringList
		Cnt       int
		AvgScore  float64
		Temporary int
	}
	var rows []row
	err := config.GetDB().WithContext(ctx).Model(&UnifiedOrder{}).
		Select("sources, COUNT(*) AS cnt, AVG(match_score) AS avg_score, SUM(is_temporary) AS temporary").
		Group("CAST(sources AS CHAR)").
		Order("cnt DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*CompletenessBucket, 0, len(rows))
	for _, r := range rows {
		out = append(out, &CompletenessBucket{
			Sources:       r.Sources,
			OrdersCount:   r.Cnt,
			AvgMatchScore: r.AvgScore,
			Temporary:     r.Temporary,
		})
	}
	return out, nil
}

// QualityCheck is one consistency check of ValidateOrderQuality.
type QualityCheck struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type QualityReport struct {
	OrderID    int            `json:"order_id"`
	MatchScore int            `json:"match_score"`
	Quality    MatchQuality   `json:"quality"`
	Checks     []QualityCheck `json:"checks"`
	Passed     bool           `json:"passed"`
}

// ValidateOrderQuality runs cross-source consistency checks on one order:
// amount agreement within tolerance, timestamp sanity against the canonical
// event time, and score/source-count coherence.
func ValidateOrderQuality(order *UnifiedOrder, cfg config.MatchingConfig) *QualityReport {
	report := &QualityReport{
		OrderID:    order.ID,
		MatchScore: order.MatchScore,
		Quality:    QualityForScore(order.MatchScore),
		Passed:     true,
	}
	add := func(check string, passed bool, detail string) {
		report.Checks = append(report.Checks, QualityCheck{Check: check, Passed: passed, Detail: detail})
		if !passed {
			report.Passed = false
		}
	}

	amounts := map[string]*decimal.Decimal{
		"fiscal_operation_amount":         order.FiscalOperationAmount,
		"payme_amount_without_commission": order.PaymeAmountWithoutCommission,
		"click_amount":                    order.ClickAmount,
		"uzum_amount":                     order.UzumAmount,
	}
	amountsOk := true
	detail := ""
	if !order.OrderPrice.IsZero() {
		for column, amount := range amounts {
			if amount == nil {
				continue
			}
			if order.OrderPrice.Sub(*amount).Abs().GreaterThan(cfg.AmountTolerance) {
				amountsOk = false
				detail = fmt.Sprintf("%s=%s disagrees with order_price=%s",
					column, amount.String(), order.OrderPrice.String())
				break
			}
		}
	}
	add("amount_agreement", amountsOk, detail)

	timesOk := true
	detail = ""
	for column, t := range map[string]*time.Time{
		"vhr_time":                  order.VhrTime,
		"fiscal_operation_datetime": order.FiscalOperationDatetime,
		"payme_payment_time":        order.PaymePaymentTime,
		"click_payment_date":        order.ClickPaymentDate,
		"uzum_parsed_datetime":      order.UzumParsedDatetime,
	} {
		if t == nil {
			continue
		}
		if utils.AbsDuration(t.Sub(order.EventTime)) > cfg.TimeWindow {
			timesOk = false
			detail = fmt.Sprintf("%s outside the matching window of event_time", column)
			break
		}
	}
	add("timestamp_window", timesOk, detail)

	expected := MatchScoreForSources(len(order.Sources))
	add("score_coherence", order.MatchScore == expected,
		fmt.Sprintf("score %d, %d sources", order.MatchScore, len(order.Sources)))

	add("permanent_has_order_number",
		order.IsTemporary || !IsTemporaryOrderNumber(order.OrderNumber), "")

	return report
}
