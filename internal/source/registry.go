// Package source holds the per-catalog parsers that turn remote pages into
// CandidateProducts. Parsers are stateless: progress lives in the cursor.
package source

import (
	"fmt"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

// Default endpoints.
const (
	DefaultOpenPetFoodFactsURL = "https://world.openpetfoodfacts.org"
	DefaultOpenFoodFactsURL    = "https://world.openfoodfacts.org"
	DefaultOpenFoodFactsTag    = "dog-foods"
)

// Settings carries the endpoints of every known source.
type Settings struct {
	OpenPetFoodFactsURL      string
	OpenPetFoodFactsCategory string
	OpenFoodFactsURL         string
	OpenFoodFactsCategory    string
	CatalogFeedURL           string
}

// New builds the parser registered under name.
func New(name crawler.SourceName, settings Settings, client crawler.CatalogClient) (crawler.Source, error) {
	switch name {
	case crawler.SourceOpenPetFoodFacts:
		return NewOpenFacts(OpenFactsConfig{
			Name:     name,
			BaseURL:  orDefault(settings.OpenPetFoodFactsURL, DefaultOpenPetFoodFactsURL),
			Category: settings.OpenPetFoodFactsCategory,
		}, client)
	case crawler.SourceOpenFoodFacts:
		return NewOpenFacts(OpenFactsConfig{
			Name:     name,
			BaseURL:  orDefault(settings.OpenFoodFactsURL, DefaultOpenFoodFactsURL),
			Category: orDefault(settings.OpenFoodFactsCategory, DefaultOpenFoodFactsTag),
		}, client)
	case crawler.SourceCatalogFeed:
		if settings.CatalogFeedURL == "" {
			return nil, fmt.Errorf("%s: feed url is not configured", name)
		}
		return NewCatalogFeed(CatalogFeedConfig{Name: name, URL: settings.CatalogFeedURL}, client)
	default:
		return nil, fmt.Errorf("unknown source %q", name)
	}
}

// BuildAll constructs a parser for every source in the rotation.
func BuildAll(
	rotation crawler.Rotation,
	settings Settings,
	client crawler.CatalogClient,
) (map[crawler.SourceName]crawler.Source, error) {
	out := make(map[crawler.SourceName]crawler.Source, len(rotation))
	for _, name := range rotation {
		src, err := New(name, settings, client)
		if err != nil {
			return nil, err
		}
		out[name] = src
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
