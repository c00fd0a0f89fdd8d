package models

import "testing"

func templateSet(kind SourceKind, lang string) TemplateSet {
	for _, set := range defaultTemplateSets {
		if set.FileType == kind && set.Language == lang {
			return set
		}
	}
	return TemplateSet{}
}

func setHeaders(set TemplateSet) []string {
	out := make([]string, 0, len(set.Columns))
	for _, col := range set.Columns {
		out = append(out, col.Name)
	}
	return out
}

func TestColumnMatchPercent_FullAndEmpty(t *testing.T) {
	set := templateSet(SourceKindHardware, "en")
	if got := ColumnMatchPercent(setHeaders(set), set); got != 100 {
		t.Fatalf("full header set should score 100, got %v", got)
	}
	if got := ColumnMatchPercent(nil, set); got != 0 {
		t.Fatalf("empty header set should score 0, got %v", got)
	}
}

func TestColumnMatchPercent_RequiredColumnsWeighDouble(t *testing.T) {
	set := TemplateSet{
		FileType: SourceKindHardware, Language: "en",
		Columns: []TemplateColumn{
			{Name: "Order Number", Required: true},
			{Name: "Goods Name"},
			{Name: "Taste Name"},
		},
	}
	// Required present, optionals missing: 2 of 4 weight.
	if got := ColumnMatchPercent([]string{"Order Number"}, set); got != 50 {
		t.Fatalf("expected 50, got %v", got)
	}
	// Optionals present, required missing: also 2 of 4 weight.
	if got := ColumnMatchPercent([]string{"Goods Name", "Taste Name"}, set); got != 50 {
		t.Fatalf("expected 50, got %v", got)
	}
}

func TestColumnMatchPercent_NormalizesHeaderText(t *testing.T) {
	set := templateSet(SourceKindHardware, "en")
	headers := make([]string, 0, len(set.Columns))
	for _, col := range set.Columns {
		headers = append(headers, "  "+col.Name+"  ")
	}
	if got := ColumnMatchPercent(headers, set); got != 100 {
		t.Fatalf("whitespace and case must not matter, got %v", got)
	}
}

func TestDetectBestTemplate_PicksKindAndLanguage(t *testing.T) {
	headers := setHeaders(templateSet(SourceKindFiscal, "ru"))
	result := DetectBestTemplate(headers, defaultTemplateSets, SourceKindUnknown)
	if result.FileType != SourceKindFiscal || result.Language != "ru" {
		t.Fatalf("expected fiscal/ru, got %s/%s", result.FileType, result.Language)
	}
	if result.MatchPercent != 100 || result.Confidence != "high" {
		t.Fatalf("expected 100/high, got %v/%s", result.MatchPercent, result.Confidence)
	}
}

func TestDetectBestTemplate_DeclaredKindRestrictsSearch(t *testing.T) {
	// A payme export declared as click must not classify as payme.
	headers := setHeaders(templateSet(SourceKindPayme, "ru"))
	result := DetectBestTemplate(headers, defaultTemplateSets, SourceKindClick)
	if result.FileType == SourceKindPayme {
		t.Fatal("declared kind must restrict the template search")
	}
	if result.MatchPercent >= 100 {
		t.Fatalf("mismatched template should not score full, got %v", result.MatchPercent)
	}
}

func TestDetectBestTemplate_GarbageHeadersAreUnknown(t *testing.T) {
	result := DetectBestTemplate([]string{"alpha", "beta", "gamma"}, defaultTemplateSets, SourceKindUnknown)
	if result.FileType != SourceKindUnknown {
		t.Fatalf("garbage headers must stay unknown, got %s", result.FileType)
	}
	if result.Confidence != "none" {
		t.Fatalf("expected confidence none, got %s", result.Confidence)
	}
}
