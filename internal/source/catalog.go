package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

var (
	feedID        = Aliases{"ean", "gtin", "barcode", "upc"}
	feedBrand     = Aliases{"brand", "manufacturer", "brand_name"}
	feedName      = Aliases{"name", "title", "product_name"}
	feedProtein   = Aliases{"crude_protein", "protein", "protein_pct"}
	feedFat       = Aliases{"crude_fat", "fat", "fat_pct"}
	feedFiber     = Aliases{"crude_fiber", "crude_fibre", "fiber", "fibre"}
	feedAsh       = Aliases{"crude_ash", "ash"}
	feedMoisture  = Aliases{"moisture", "water", "moisture_pct"}
	feedImage     = Aliases{"image_url", "imageUrl", "image"}
	feedAdditives = Aliases{"additives", "ingredients"}
)

// CatalogFeedConfig configures a generic offset-paged JSON feed.
type CatalogFeedConfig struct {
	Name crawler.SourceName
	URL  string
}

// CatalogFeed reads {"items":[...]} pages addressed by offset and limit.
type CatalogFeed struct {
	cfg    CatalogFeedConfig
	client crawler.CatalogClient
}

// NewCatalogFeed builds a parser for a generic JSON product feed.
func NewCatalogFeed(cfg CatalogFeedConfig, client crawler.CatalogClient) (*CatalogFeed, error) {
	if cfg.Name == "" {
		cfg.Name = crawler.SourceCatalogFeed
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("%s: invalid feed url %q: %w", cfg.Name, cfg.URL, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: catalog client is required", cfg.Name)
	}
	return &CatalogFeed{cfg: cfg, client: client}, nil
}

// Name implements crawler.Source.
func (s *CatalogFeed) Name() crawler.SourceName { return s.cfg.Name }

type feedResponse struct {
	Items []Record `json:"items"`
}

// Fetch implements crawler.Source.
func (s *CatalogFeed) Fetch(ctx context.Context, cursor crawler.Cursor, pageSize int) (crawler.Page, error) {
	offset := max(cursor.Offset, 0)
	params := url.Values{}
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(pageSize))

	body, err := s.client.Get(ctx, s.cfg.URL, params)
	if err != nil {
		return crawler.Page{}, err
	}
	var resp feedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crawler.Page{}, fmt.Errorf("%s: decode offset %d: %w", s.cfg.Name, offset, err)
	}

	records := make([]crawler.CandidateProduct, 0, len(resp.Items))
	seen := make(map[string]bool, len(resp.Items))
	for _, raw := range resp.Items {
		c := s.normalize(raw)
		if c.ExternalID != "" {
			if seen[c.ExternalID] {
				continue
			}
			seen[c.ExternalID] = true
		}
		records = append(records, c)
	}

	next := cursor
	if len(resp.Items) > 0 {
		next = crawler.Cursor{Offset: offset + len(resp.Items)}
		if n := len(records); n > 0 {
			next.LastKey = records[n-1].ExternalID
		}
	}
	return crawler.Page{Records: records, Next: next}, nil
}

func (s *CatalogFeed) normalize(raw Record) crawler.CandidateProduct {
	additives := feedAdditives.String(raw)
	if additives == "" {
		for _, key := range feedAdditives {
			if additives = joinList(raw[key]); additives != "" {
				break
			}
		}
	}
	return crawler.CandidateProduct{
		ExternalID: strings.ReplaceAll(feedID.String(raw), " ", ""),
		Brand:      feedBrand.String(raw),
		Name:       feedName.String(raw),
		Protein:    feedProtein.NumberOrZero(raw),
		Fat:        feedFat.NumberOrZero(raw),
		CrudeFiber: feedFiber.NumberOrZero(raw),
		Ash:        feedAsh.NumberOrZero(raw),
		Moisture:   feedMoisture.NumberOrZero(raw),
		Additives:  additives,
		ImageURL:   feedImage.String(raw),
		SourceName: string(s.cfg.Name),
	}
}
