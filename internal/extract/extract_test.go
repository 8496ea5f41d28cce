package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const productHTML = `<html><body>
<h1 class="product-title__name"> Молоко 3,2% 1 л </h1>
<div class="product-cart">
  <span class="product-cart__price-int">1 299</span>
  <span class="product-cart__price-frac"><span>90</span><span>₽</span></span>
</div>
<div class="product-info__nutrition">
  <div class="product-info__nutrition-item">
    <span class="product-info__nutrition-name">Белки</span><span class="product-info__nutrition-value">3 г</span>
  </div>
  <div class="product-info__nutrition-item">
    <span class="product-info__nutrition-name">Жиры</span><span class="product-info__nutrition-value">3,2 г</span>
  </div>
</div>
<div class="product-info__params">
  <div class="product-info__params-block product-info__params-block--columns">
    <div class="product-info__params-item"><span class="product-info__params-name">Бренд</span><span class="product-info__params-value">Acme</span></div>
    <div class="product-info__params-item"><span class="product-info__params-name">Страна</span><span class="product-info__params-value">Россия</span></div>
  </div>
  <div class="product-info__params-block">
    <span class="product-info__params-name">Описание</span><span class="product-info__params-value">Пастеризованное молоко.</span>
  </div>
  <div class="product-info__params-block">
    <span class="product-info__params-name">Белки</span><span class="product-info__params-value">3,0 г</span>
  </div>
</div>
<div class="product-image__image-slider">
  <img src="https://img.example/milk-1.jpg?w=300">
  <img src="/media/milk-2.jpg?x=1">
  <img alt="no src">
</div>
</body></html>`

const sourceURL = "https://shop.example/catalog/moloko-101"

func newExtractor(t *testing.T, mutate func(*Config)) *Extractor {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestExtractFullProduct(t *testing.T) {
	t.Parallel()

	rec, err := newExtractor(t, nil).Extract(harvest.Page{HTML: []byte(productHTML)}, sourceURL)
	require.NoError(t, err)

	require.Equal(t, "Молоко 3,2% 1 л", rec.Name)
	require.NotNil(t, rec.Price)
	require.InDelta(t, 1299.90, *rec.Price, 1e-9)
	require.Equal(t, "В наличии", rec.Stock)
	require.Equal(t, "Пастеризованное молоко.", rec.Description)
	require.Equal(t, harvest.Attributes{
		{Key: "Белки", Value: "3,0 г"},
		{Key: "Жиры", Value: "3,2 г"},
		{Key: "Бренд", Value: "Acme"},
		{Key: "Страна", Value: "Россия"},
	}, rec.Attributes)
	require.Equal(t, []string{"https://img.example/milk-1.jpg", "https://shop.example/media/milk-2.jpg"}, rec.Images)
	require.Equal(t, sourceURL, rec.SourceURL)
	require.NoError(t, rec.Validate())
}

func TestExtractIsDeterministic(t *testing.T) {
	t.Parallel()

	e := newExtractor(t, nil)
	page := harvest.Page{HTML: []byte(productHTML)}
	a, err := e.Extract(page, sourceURL)
	require.NoError(t, err)
	b, err := e.Extract(page, sourceURL)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestExtractAbsentPriceBlock(t *testing.T) {
	t.Parallel()

	page := harvest.Page{HTML: []byte(`<h1 class="product-title__name">Milk</h1>`)}

	_, err := newExtractor(t, nil).Extract(page, sourceURL)
	require.ErrorIs(t, err, harvest.ErrAbsent)

	zero := newExtractor(t, func(c *Config) { c.AbsentPrice = AbsentZeroPrice })
	rec, err := zero.Extract(page, sourceURL)
	require.NoError(t, err)
	require.Equal(t, 0.0, *rec.Price)
	require.Equal(t, "Milk", rec.Name)
	require.Empty(t, rec.Images)
}

func TestExtractDefaultsMissingFraction(t *testing.T) {
	t.Parallel()

	page := harvest.Page{HTML: []byte(`<div class="product-cart"><span class="product-cart__price-int">45</span></div>`)}
	rec, err := newExtractor(t, nil).Extract(page, sourceURL)
	require.NoError(t, err)
	require.Equal(t, 45.0, *rec.Price)
	require.Equal(t, "-", rec.Name)
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AbsentPrice = "guess"
	_, err := New(cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.Selectors.PriceBlock = ""
	_, err = New(cfg)
	require.Error(t, err)
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	got, err := parsePrice("2 450", "5")
	require.NoError(t, err)
	require.InDelta(t, 2450.5, got, 1e-9)
}
