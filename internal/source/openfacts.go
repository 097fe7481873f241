package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Nutrient aliases found in the "nutriments" object of Open Food Facts style
// catalogs.
var (
	offProtein  = Aliases{"proteins_100g", "proteins", "proteins_value"}
	offFat      = Aliases{"fat_100g", "fat", "fat_value"}
	offFiber    = Aliases{"fiber_100g", "fiber", "fiber_value", "crude-fiber_100g", "crude-fibre_100g"}
	offAsh      = Aliases{"ash_100g", "ash", "ash_value", "crude-ash_100g"}
	offMoisture = Aliases{"moisture_100g", "moisture", "moisture_value", "water_100g"}
	offName     = Aliases{"product_name", "product_name_en", "generic_name", "generic_name_en"}
	offImage    = Aliases{"image_front_url", "image_url"}
	offCode     = Aliases{"code", "_id"}
)

// offFields projects search results onto the keys the parser reads so a full
// page stays small.
const offFields = "code,_id,brands,product_name,product_name_en,generic_name,generic_name_en," +
	"nutriments,additives_tags,ingredients_text,image_front_url,image_url"

// OpenFactsConfig configures an Open Food Facts style search API.
type OpenFactsConfig struct {
	Name    crawler.SourceName
	BaseURL string
	// Category restricts results to one category tag when set.
	Category string
}

// OpenFacts reads the paged search endpoint shared by Open Pet Food Facts and
// Open Food Facts.
type OpenFacts struct {
	cfg    OpenFactsConfig
	client crawler.CatalogClient
}

// NewOpenFacts builds a parser for one Open Food Facts style catalog.
func NewOpenFacts(cfg OpenFactsConfig, client crawler.CatalogClient) (*OpenFacts, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%s: invalid base url %q: %w", cfg.Name, cfg.BaseURL, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: catalog client is required", cfg.Name)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenFacts{cfg: cfg, client: client}, nil
}

// Name implements crawler.Source.
func (s *OpenFacts) Name() crawler.SourceName { return s.cfg.Name }

type searchResponse struct {
	Count    any      `json:"count"`
	Page     any      `json:"page"`
	Products []Record `json:"products"`
}

// Fetch implements crawler.Source. Pages are 1-based; an empty page leaves the
// cursor where it was so the same page is retried on the next cycle.
func (s *OpenFacts) Fetch(ctx context.Context, cursor crawler.Cursor, pageSize int) (crawler.Page, error) {
	page := cursor.Page
	if page < 1 {
		page = 1
	}
	params := url.Values{}
	params.Set("action", "process")
	params.Set("json", "1")
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	params.Set("fields", offFields)
	if s.cfg.Category != "" {
		params.Set("tagtype_0", "categories")
		params.Set("tag_contains_0", "contains")
		params.Set("tag_0", s.cfg.Category)
	}

	body, err := s.client.Get(ctx, s.cfg.BaseURL+"/cgi/search.pl", params)
	if err != nil {
		return crawler.Page{}, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crawler.Page{}, fmt.Errorf("%s: decode page %d: %w", s.cfg.Name, page, err)
	}

	records := make([]crawler.CandidateProduct, 0, len(resp.Products))
	seen := make(map[string]bool, len(resp.Products))
	for _, raw := range resp.Products {
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
	if len(resp.Products) > 0 {
		next = crawler.Cursor{Page: page + 1}
		if n := len(records); n > 0 {
			next.LastKey = records[n-1].ExternalID
		}
	}
	return crawler.Page{Records: records, Next: next}, nil
}

func (s *OpenFacts) normalize(raw Record) crawler.CandidateProduct {
	nutriments := nested(raw, "nutriments")
	additives := joinList(raw["additives_tags"])
	if additives == "" {
		additives = stringValue(raw["additives"])
	}
	if additives == "" {
		additives = stringValue(raw["ingredients_text"])
	}
	return crawler.CandidateProduct{
		ExternalID: offCode.String(raw),
		Brand:      firstOf(stringValue(raw["brands"])),
		Name:       offName.String(raw),
		Protein:    offProtein.NumberOrZero(nutriments),
		Fat:        offFat.NumberOrZero(nutriments),
		CrudeFiber: offFiber.NumberOrZero(nutriments),
		Ash:        offAsh.NumberOrZero(nutriments),
		Moisture:   offMoisture.NumberOrZero(nutriments),
		Additives:  additives,
		ImageURL:   offImage.String(raw),
		SourceName: string(s.cfg.Name),
	}
}
