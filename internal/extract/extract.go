// Package extract turns a rendered product page into a harvest.Record using
// CSS selectors from configuration.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// AbsentPricePolicy decides what a page without a pricing block means.
type AbsentPricePolicy string

// Absent price policies.
const (
	// AbsentSoftFail treats the item as not orderable.
	AbsentSoftFail AbsentPricePolicy = "soft-fail"
	// AbsentZeroPrice records the item with a zero price.
	AbsentZeroPrice AbsentPricePolicy = "zero-price"
)

// Selectors locate the record fields on a product page.
type Selectors struct {
	PriceBlock     string `mapstructure:"price_block"`
	PriceInt       string `mapstructure:"price_int"`
	PriceFrac      string `mapstructure:"price_frac"`
	Name           string `mapstructure:"name"`
	Stock          string `mapstructure:"stock"`
	NutritionItem  string `mapstructure:"nutrition_item"`
	NutritionName  string `mapstructure:"nutrition_name"`
	NutritionValue string `mapstructure:"nutrition_value"`
	Params         string `mapstructure:"params"`
	ParamsColumns  string `mapstructure:"params_columns_class"`
	ParamsItem     string `mapstructure:"params_item"`
	ParamsName     string `mapstructure:"params_name"`
	ParamsValue    string `mapstructure:"params_value"`
	Images         string `mapstructure:"images"`
	ImageAttr      string `mapstructure:"image_attr"`
}

// Config controls the extractor.
type Config struct {
	Selectors Selectors
	// DescriptionKey marks the params entry that holds the free-text
	// description (matched case-insensitively as a substring).
	DescriptionKey string
	DefaultStock   string
	DefaultName    string
	AbsentPrice    AbsentPricePolicy
}

// DefaultSelectors match the catalog's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		PriceBlock:     ".product-cart",
		PriceInt:       ".product-cart__price-int",
		PriceFrac:      ".product-cart__price-frac span",
		Name:           ".product-title__name",
		NutritionItem:  ".product-info__nutrition-item",
		NutritionName:  ".product-info__nutrition-name",
		NutritionValue: ".product-info__nutrition-value",
		Params:         ".product-info__params",
		ParamsColumns:  "product-info__params-block--columns",
		ParamsItem:     ".product-info__params-item",
		ParamsName:     ".product-info__params-name",
		ParamsValue:    ".product-info__params-value",
		Images:         ".product-image__image-slider img",
		ImageAttr:      "src",
	}
}

// DefaultConfig returns the production extractor settings.
func DefaultConfig() Config {
	return Config{
		Selectors:      DefaultSelectors(),
		DescriptionKey: "описание",
		DefaultStock:   "В наличии",
		DefaultName:    "-",
		AbsentPrice:    AbsentSoftFail,
	}
}

// Extractor implements harvest.Extractor with goquery.
type Extractor struct {
	cfg Config
}

// New validates cfg.
func New(cfg Config) (*Extractor, error) {
	switch cfg.AbsentPrice {
	case "":
		cfg.AbsentPrice = AbsentSoftFail
	case AbsentSoftFail, AbsentZeroPrice:
	default:
		return nil, fmt.Errorf("unknown absent price policy %q", cfg.AbsentPrice)
	}
	if cfg.Selectors.PriceBlock == "" || cfg.Selectors.PriceInt == "" {
		return nil, fmt.Errorf("price selectors are required")
	}
	if cfg.Selectors.ImageAttr == "" {
		cfg.Selectors.ImageAttr = "src"
	}
	cfg.DescriptionKey = strings.ToLower(cfg.DescriptionKey)
	return &Extractor{cfg: cfg}, nil
}

// Extract parses page. It returns harvest.ErrAbsent when the pricing block is
// missing and the policy is soft-fail.
func (e *Extractor) Extract(page harvest.Page, sourceURL string) (harvest.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return harvest.Record{}, fmt.Errorf("parse html: %w", err)
	}
	sel := e.cfg.Selectors

	rec := harvest.Record{
		Name:      e.cfg.DefaultName,
		Stock:     e.cfg.DefaultStock,
		Images:    []string{},
		SourceURL: sourceURL,
	}

	block := doc.Find(sel.PriceBlock).First()
	if block.Length() == 0 {
		if e.cfg.AbsentPrice == AbsentSoftFail {
			return harvest.Record{}, harvest.ErrAbsent
		}
		zero := 0.0
		rec.Price = &zero
	} else {
		price, err := parsePrice(text(block.Find(sel.PriceInt).First()), text(block.Find(sel.PriceFrac).First()))
		if err != nil {
			return harvest.Record{}, err
		}
		rec.Price = &price
	}

	if name := text(doc.Find(sel.Name).First()); name != "" {
		rec.Name = name
	}
	if sel.Stock != "" {
		if stock := text(doc.Find(sel.Stock).First()); stock != "" {
			rec.Stock = stock
		}
	}

	if sel.NutritionItem != "" {
		doc.Find(sel.NutritionItem).Each(func(_ int, item *goquery.Selection) {
			key := text(item.Find(sel.NutritionName).First())
			if key != "" {
				rec.Attributes.Set(key, text(item.Find(sel.NutritionValue).First()))
			}
		})
	}
	if sel.Params != "" {
		e.readParams(doc.Find(sel.Params).First(), &rec)
	}

	base, _ := url.Parse(sourceURL)
	doc.Find(sel.Images).Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr(sel.ImageAttr)
		if !ok || strings.TrimSpace(src) == "" {
			return
		}
		rec.Images = append(rec.Images, cleanImageURL(base, src))
	})
	return rec, nil
}

// readParams walks the direct children of the params container. Column
// blocks hold several name/value items; other blocks hold one pair, which
// may be the description.
func (e *Extractor) readParams(container *goquery.Selection, rec *harvest.Record) {
	sel := e.cfg.Selectors
	container.ChildrenFiltered("div").Each(func(_ int, block *goquery.Selection) {
		if sel.ParamsColumns != "" && block.HasClass(sel.ParamsColumns) {
			block.Find(sel.ParamsItem).Each(func(_ int, item *goquery.Selection) {
				name, value := item.Find(sel.ParamsName).First(), item.Find(sel.ParamsValue).First()
				if name.Length() > 0 && value.Length() > 0 {
					rec.Attributes.Set(text(name), text(value))
				}
			})
			return
		}
		name, value := block.Find(sel.ParamsName).First(), block.Find(sel.ParamsValue).First()
		if name.Length() == 0 || value.Length() == 0 {
			return
		}
		key := text(name)
		if e.cfg.DescriptionKey != "" && strings.Contains(strings.ToLower(key), e.cfg.DescriptionKey) {
			rec.Description = text(value)
			return
		}
		rec.Attributes.Set(key, text(value))
	})
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

// parsePrice joins the integer and fractional parts, dropping thousands
// separators and currency symbols.
func parsePrice(intPart, fracPart string) (float64, error) {
	intDigits := digitsOnly(intPart)
	if intDigits == "" {
		intDigits = "0"
	}
	fracDigits := digitsOnly(fracPart)
	if fracDigits == "" {
		fracDigits = "00"
	}
	price, err := strconv.ParseFloat(intDigits+"."+fracDigits, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q.%q: %w", intPart, fracPart, err)
	}
	return price, nil
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// cleanImageURL strips the query string and resolves relative links.
func cleanImageURL(base *url.URL, src string) string {
	src = strings.TrimSpace(src)
	if i := strings.IndexByte(src, '?'); i >= 0 {
		src = src[:i]
	}
	if base == nil {
		return src
	}
	ref, err := url.Parse(src)
	if err != nil || ref.IsAbs() {
		return src
	}
	return base.ResolveReference(ref).String()
}
