// Package extract turns catalog page HTML into product fragments and
// pagination hints. It performs no I/O.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Selectors are the CSS selectors used to locate product fragments.
type Selectors struct {
	Item       string `mapstructure:"item"`
	Title      string `mapstructure:"title"`
	Price      string `mapstructure:"price"`
	Image      string `mapstructure:"image"`
	Link       string `mapstructure:"link"`
	Pagination string `mapstructure:"pagination"`
}

// DefaultSelectors match the Shopify "Warehouse" theme collection markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:       ".product-item",
		Title:      ".product-item__title",
		Price:      "span.price",
		Image:      "img",
		Link:       "a",
		Pagination: ".pagination a",
	}
}

func (s Selectors) withDefaults() Selectors {
	def := DefaultSelectors()
	if s.Item == "" {
		s.Item = def.Item
	}
	if s.Title == "" {
		s.Title = def.Title
	}
	if s.Price == "" {
		s.Price = def.Price
	}
	if s.Image == "" {
		s.Image = def.Image
	}
	if s.Link == "" {
		s.Link = def.Link
	}
	if s.Pagination == "" {
		s.Pagination = def.Pagination
	}
	return s
}

// Page parses html fetched from pageURL. Relative links and image sources are
// resolved against pageURL. Fragments without a link are kept with an empty
// Link so callers can count them as candidates.
func Page(html []byte, pageURL string, sel Selectors) (catalog.RenderedPage, error) {
	sel = sel.withDefaults()
	base, err := url.Parse(pageURL)
	if err != nil {
		return catalog.RenderedPage{}, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return catalog.RenderedPage{}, fmt.Errorf("parse html %s: %w", pageURL, err)
	}

	page := catalog.RenderedPage{URL: pageURL, Products: []catalog.Product{}}
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		p := catalog.Product{
			Title: collapse(item.Find(sel.Title).First().Text()),
			Price: collapse(item.Find(sel.Price).First().Text()),
		}
		img := item.Find(sel.Image).First()
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" {
			src = strings.TrimSpace(img.AttrOr("data-src", ""))
		}
		p.Image = resolve(base, src)
		href, _ := item.Find(sel.Link).First().Attr("href")
		p.Link = resolve(base, strings.TrimSpace(href))
		page.Products = append(page.Products, p)
	})

	doc.Find(sel.Pagination).Each(func(_ int, a *goquery.Selection) {
		text := strings.TrimSpace(a.Text())
		if _, err := strconv.Atoi(text); err == nil {
			page.PaginationLinks = append(page.PaginationLinks, text)
			return
		}
		if href := resolve(base, strings.TrimSpace(a.AttrOr("href", ""))); href != "" {
			page.PaginationLinks = append(page.PaginationLinks, href)
		}
	})
	return page, nil
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// collapse trims s and folds internal whitespace runs into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
