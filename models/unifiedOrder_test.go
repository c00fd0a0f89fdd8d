package models

import (
	"testing"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"github.com/shopspring/decimal"
)

func TestMatchScoreForSources_Monotonic(t *testing.T) {
	expected := map[int]int{0: 0, 1: 35, 2: 70, 3: 85, 4: 95, 5: 98, 6: 100}
	prev := -1
	for count := 0; count <= 6; count++ {
		got := MatchScoreForSources(count)
		if got != expected[count] {
			t.Fatalf("count %d: expected %d, got %d", count, expected[count], got)
		}
		if got < prev {
			t.Fatalf("score must not decrease with corroboration: %d -> %d", prev, got)
		}
		prev = got
	}
	if MatchScoreForSources(7) != 100 {
		t.Fatal("score is capped at 100")
	}
}

func TestQualityForScore_Bands(t *testing.T) {
	cases := map[int]MatchQuality{
		100: MatchQualityExcellent,
		90:  MatchQualityExcellent,
		89:  MatchQualityGood,
		70:  MatchQualityGood,
		69:  MatchQualityFair,
		40:  MatchQualityFair,
		39:  MatchQualityPoor,
		0:   MatchQualityPoor,
	}
	for score, want := range cases {
		if got := QualityForScore(score); got != want {
			t.Fatalf("score %d: expected %s, got %s", score, want, got)
		}
	}
}

func TestValidateOrderQuality(t *testing.T) {
	cfg := config.DefaultMatchingConfig()
	at := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	amount := decimal.NewFromInt(9000)
	paymentTime := at.Add(45 * time.Second)

	order := &UnifiedOrder{
		ID:          7,
		OrderNumber: "ORD-1",
		OrderPrice:  amount,
		EventTime:   at,
		Sources:     StringList{"hardware", "payme"},
		MatchScore:  70,
		IsTemporary: false,

		PaymeAmountWithoutCommission: &amount,
		PaymePaymentTime:             &paymentTime,
	}
	report := ValidateOrderQuality(order, cfg)
	if !report.Passed {
		t.Fatalf("consistent order must pass, got %+v", report.Checks)
	}
	if report.Quality != MatchQualityGood {
		t.Fatalf("score 70 is the good band, got %s", report.Quality)
	}

	bad := decimal.NewFromInt(12000)
	order.PaymeAmountWithoutCommission = &bad
	report = ValidateOrderQuality(order, cfg)
	if report.Passed {
		t.Fatal("disagreeing amounts must fail the report")
	}
	failed := false
	for _, check := range report.Checks {
		if check.Check == "amount_agreement" && !check.Passed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("the amount_agreement check must be the one failing")
	}

	order.PaymeAmountWithoutCommission = &amount
	late := at.Add(time.Hour)
	order.PaymePaymentTime = &late
	report = ValidateOrderQuality(order, cfg)
	if report.Passed {
		t.Fatal("a payment an hour off the event time must fail the window check")
	}
}

func TestTemporaryOrderNumbers(t *testing.T) {
	n := NewTemporaryOrderNumber()
	if !IsTemporaryOrderNumber(n) {
		t.Fatalf("minted surrogate %q must be recognized as temporary", n)
	}
	if IsTemporaryOrderNumber("250314-0042") {
		t.Fatal("business order numbers must not look temporary")
	}
	if n == NewTemporaryOrderNumber() {
		t.Fatal("surrogate numbers must be unique")
	}
}
