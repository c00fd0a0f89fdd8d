package models

import (
	"context"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/utils"
)

// FileTypeTemplate is one expected column of one (file_type, language)
// schema template. Header text differs between the vendors' regional
// export languages, so each kind carries one template per language.
type FileTypeTemplate struct {
	ID          int        `gorm:"primary_key" json:"id"`
	FileType    SourceKind `gorm:"size:20;index:idx_templates_type_lang;not null" json:"file_type"`
	Language    string     `gorm:"size:10;index:idx_templates_type_lang;not null" json:"language"`
	ColumnName  string     `gorm:"size:100;not null" json:"column_name"`
	ColumnOrder int        `json:"column_order"`
	IsRequired  bool       `json:"is_required"`
}

type TemplateColumn struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type TemplateSet struct {
	FileType SourceKind       `json:"file_type"`
	Language string           `json:"language"`
	Columns  []TemplateColumn `json:"columns"`
}

type DetectionResult struct {
	FileType     SourceKind `json:"file_type"`
	Language     string     `json:"language"`
	MatchPercent float64    `json:"match_percentage"`
	Confidence   string     `json:"confidence_level"`
}

// ColumnMatchPercent scores a header set against one template. Required
// columns weigh double; a missing required column caps the score below the
// acceptance threshold territory on small templates by construction.
func ColumnMatchPercent(headers []string, set TemplateSet) float64 {
	if len(set.Columns) == 0 {
		return 0
	}
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[utils.NormalizeHeader(h)] = true
	}
	var total, matched float64
	for _, col := range set.Columns {
		weight := 1.0
		if col.Required {
			weight = 2.0
		}
		total += weight
		if present[utils.NormalizeHeader(col.Name)] {
			matched += weight
		}
	}
	return 100 * matched / total
}

// DetectBestTemplate is the pure core of the classifier. With a declared
// kind only that kind's language variants are scored; otherwise every
// template competes.
func DetectBestTemplate(headers []string, sets []TemplateSet, declared SourceKind) DetectionResult {
	best := DetectionResult{FileType: SourceKindUnknown}
	for _, set := range sets {
		if declared != "" && declared != SourceKindUnknown && set.FileType != declared {
			continue
		}
		percent := ColumnMatchPercent(headers, set)
		if percent > best.MatchPercent {
			best = DetectionResult{
				FileType:     set.FileType,
				Language:     set.Language,
				MatchPercent: percent,
			}
		}
	}
	best.Confidence = confidenceLevel(best.MatchPercent)
	if best.MatchPercent == 0 {
		best.FileType = SourceKindUnknown
	}
	return best
}

func confidenceLevel(percent float64) string {
	switch {
	case percent >= 90:
		return "high"
	case percent >= 75:
		return "medium"
	case percent > 0:
		return "low"
	default:
		return "none"
	}
}

const templateCacheKey = "fileTypeTemplates"

// DetectFileType loads the template table (redis-cached) and scores the
// batch headers against it.
func DetectFileType(ctx context.Context, headers []string, declared SourceKind) DetectionResult {
	return DetectBestTemplate(headers, loadTemplateSets(ctx), declared)
}

func loadTemplateSets(ctx context.Context) []TemplateSet {
	var sets []TemplateSet
	exists, err := config.GetRedisObject(templateCacheKey, &sets)
	if err == nil && exists && len(sets) > 0 {
		return sets
	}

	db := config.GetDB()
	if db == nil {
		return defaultTemplateSets
	}
	var rows []FileTypeTemplate
	if err := db.WithContext(ctx).Order("file_type, language, column_order").Find(&rows).Error; err != nil || len(rows) == 0 {
		return defaultTemplateSets
	}

	byKey := map[string]*TemplateSet{}
	var order []string
	for _, row := range rows {
		key := string(row.FileType) + "|" + row.Language
		set, ok := byKey[key]
		if !ok {
			set = &TemplateSet{FileType: row.FileType, Language: row.Language}
			byKey[key] = set
			order = append(order, key)
		}
		set.Columns = append(set.Columns, TemplateColumn{Name: row.ColumnName, Required: row.IsRequired})
	}
	for _, key := range order {
		sets = append(sets, *byKey[key])
	}
	_ = config.SetRedisObject(templateCacheKey, &sets, time.Hour)
	return sets
}

// SeedFileTypeTemplates inserts the built-in templates once. Deployments
// can extend the table for new vendor formats without a code change.
func SeedFileTypeTemplates(ctx context.Context) error {
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&FileTypeTemplate{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	var rows []FileTypeTemplate
	for _, set := range defaultTemplateSets {
		for i, col := range set.Columns {
			rows = append(rows, FileTypeTemplate{
				FileType:    set.FileType,
				Language:    set.Language,
				ColumnName:  col.Name,
				ColumnOrder: i + 1,
				IsRequired:  col.Required,
			})
		}
	}
	if err := db.WithContext(ctx).Create(&rows).Error; err != nil {
		return err
	}
	return config.RemoveRedisKey(templateCacheKey)
}

var defaultTemplateSets = []TemplateSet{
	{
		FileType: SourceKindHardware, Language: "en",
		Columns: []TemplateColumn{
			{Name: "Order Number", Required: true},
			{Name: "Machine Code", Required: true},
			{Name: "Goods Name"},
			{Name: "Taste Name"},
			{Name: "Order Price"},
			{Name: "Order Type"},
			{Name: "Order Resource"},
			{Name: "Payment Status"},
			{Name: "Brew Status"},
			{Name: "Creation Time", Required: true},
			{Name: "Paying Time"},
			{Name: "Brewing Time"},
			{Name: "Delivery Time"},
			{Name: "Refund Time"},
			{Name: "Reason"},
			{Name: "Address"},
		},
	},
	{
		FileType: SourceKindHardware, Language: "ru",
		Columns: []TemplateColumn{
			{Name: "Номер заказа", Required: true},
			{Name: "Код автомата", Required: true},
			{Name: "Товар"},
			{Name: "Вкус"},
			{Name: "Цена заказа"},
			{Name: "Тип заказа"},
			{Name: "Источник заказа"},
			{Name: "Статус оплаты"},
			{Name: "Статус приготовления"},
			{Name: "Время создания", Required: true},
			{Name: "Время оплаты"},
			{Name: "Время приготовления"},
			{Name: "Время выдачи"},
			{Name: "Время возврата"},
			{Name: "Причина"},
			{Name: "Адрес"},
		},
	},
	{
		FileType: SourceKindSales, Language: "en",
		Columns: []TemplateColumn{
			{Name: "Report ID"},
			{Name: "Order Number"},
			{Name: "Machine Code", Required: true},
			{Name: "Machine Category"},
			{Name: "Goods Name"},
			{Name: "Order Price"},
			{Name: "Payment Type"},
			{Name: "Time", Required: true},
			{Name: "Username"},
			{Name: "Barcode"},
			{Name: "IKPU Code"},
			{Name: "Marking"},
			{Name: "Accrued Bonus"},
		},
	},
	{
		FileType: SourceKindSales, Language: "ru",
		Columns: []TemplateColumn{
			{Name: "Отчет"},
			{Name: "Номер заказа"},
			{Name: "Код автомата", Required: true},
			{Name: "Категория автомата"},
			{Name: "Товар"},
			{Name: "Цена"},
			{Name: "Тип оплаты"},
			{Name: "Время", Required: true},
			{Name: "Пользователь"},
			{Name: "Штрихкод"},
			{Name: "Код ИКПУ"},
			{Name: "Маркировка"},
			{Name: "Бонус"},
		},
	},
	{
		FileType: SourceKindFiscal, Language: "en",
		Columns: []TemplateColumn{
			{Name: "Receipt Number", Required: true},
			{Name: "Recipe Number"},
			{Name: "Fiscal Module"},
			{Name: "Operation Date", Required: true},
			{Name: "Operation Type"},
			{Name: "Operation Amount", Required: true},
			{Name: "Cash Amount"},
			{Name: "Card Amount"},
			{Name: "Cashier"},
			{Name: "Trade Point"},
			{Name: "Customer Info"},
		},
	},
	{
		FileType: SourceKindFiscal, Language: "ru",
		Columns: []TemplateColumn{
			{Name: "Номер чека", Required: true},
			{Name: "Номер рецепта"},
			{Name: "Фискальный модуль"},
			{Name: "Дата операции", Required: true},
			{Name: "Тип операции"},
			{Name: "Сумма операции", Required: true},
			{Name: "Наличные"},
			{Name: "Карта"},
			{Name: "Кассир"},
			{Name: "Торговая точка"},
			{Name: "Информация о клиенте"},
		},
	},
	{
		FileType: SourceKindPayme, Language: "ru",
		Columns: []TemplateColumn{
			{Name: "Идентификатор платежа", Required: true},
			{Name: "Номер заказа"},
			{Name: "Время оплаты", Required: true},
			{Name: "Состояние"},
			{Name: "Сумма без комиссии", Required: true},
			{Name: "Комиссия клиента"},
			{Name: "Номер карты"},
			{Name: "RRN"},
			{Name: "Платежная система"},
			{Name: "Поставщик"},
			{Name: "Процессинг"},
			{Name: "Касса"},
			{Name: "Идентификатор кассы"},
			{Name: "Фискальный чек"},
		},
	},
	{
		FileType: SourceKindClick, Language: "ru",
		Columns: []TemplateColumn{
			{Name: "ID платежа", Required: true},
			{Name: "Дата оплаты", Required: true},
			{Name: "Сумма", Required: true},
			{Name: "Статус платежа"},
			{Name: "Способ оплаты"},
			{Name: "Биллинг"},
			{Name: "Сервис"},
			{Name: "Информация о клиенте"},
			{Name: "Касса"},
			{Name: "Идентификатор"},
		},
	},
	{
		FileType: SourceKindUzum, Language: "ru",
		Columns: []TemplateColumn{
			{Name: "Номер квитанции", Required: true},
			{Name: "Сервис", Required: true},
			{Name: "Дата", Required: true},
			{Name: "Сумма", Required: true},
			{Name: "Комиссия"},
			{Name: "Статус"},
			{Name: "Номер карты"},
			{Name: "Тип карты"},
			{Name: "Мерчант"},
		},
	},
}
