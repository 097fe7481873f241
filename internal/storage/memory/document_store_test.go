package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

func TestDocumentStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()

	_, err := store.GetDocument(ctx, "crawl_state", "dog_food_crawler")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = store.UpdateDocument(ctx, "crawl_state", "dog_food_crawler", crawler.Fields{"activeSource": "a"})
	require.ErrorIs(t, err, crawler.ErrNotFound)

	created, err := store.CreateDocument(ctx, "crawl_state", "dog_food_crawler", crawler.Fields{
		"activeSource":   "openpetfoodfacts",
		"totalProcessed": int64(0),
	})
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	_, err = store.CreateDocument(ctx, "crawl_state", "dog_food_crawler", crawler.Fields{})
	require.ErrorIs(t, err, crawler.ErrConflict)

	updated, err := store.UpdateDocument(ctx, "crawl_state", "dog_food_crawler", crawler.Fields{"totalProcessed": int64(7)})
	require.NoError(t, err)
	require.Equal(t, "openpetfoodfacts", updated.Fields["activeSource"], "update merges fields")
	require.Equal(t, int64(7), updated.Fields["totalProcessed"])

	got, err := store.GetDocument(ctx, "crawl_state", "dog_food_crawler")
	require.NoError(t, err)
	got.Fields["activeSource"] = "mutated"
	again, err := store.GetDocument(ctx, "crawl_state", "dog_food_crawler")
	require.NoError(t, err)
	require.Equal(t, "openpetfoodfacts", again.Fields["activeSource"], "returned documents are copies")
}

func TestDocumentStoreListFiltersOrderAndLimit(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()
	seed := []struct {
		id, ext, brand, status, at string
	}{
		{"1", "4006381333931", "Acme", "pending", "2025-01-01T00:00:00.000000Z"},
		{"2", "5000112548167", "Acme", "approved", "2025-01-03T00:00:00.000000Z"},
		{"3", "3017620422003", "Acme", "rejected", "2025-01-04T00:00:00.000000Z"},
		{"4", "4001686301265", "Other", "pending", "2025-01-02T00:00:00.000000Z"},
	}
	for _, s := range seed {
		_, err := store.CreateDocument(ctx, "submissions", s.id, crawler.Fields{
			"externalId": s.ext, "brand": s.brand, "status": s.status, "submittedAt": s.at,
		})
		require.NoError(t, err)
	}

	docs, err := store.ListDocuments(ctx, "submissions", crawler.Query{
		Filters: []crawler.Filter{
			crawler.Equal("brand", "Acme"),
			crawler.In("status", []string{"pending", "approved"}),
		},
		OrderByDesc: "submittedAt",
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "2", docs[0].ID)
	require.Equal(t, "1", docs[1].ID)

	docs, err = store.ListDocuments(ctx, "submissions", crawler.Query{
		Filters: []crawler.Filter{crawler.In("externalId", []string{"4001686301265", "0000000000000"})},
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "4", docs[0].ID)

	docs, err = store.ListDocuments(ctx, "missing", crawler.Query{})
	require.NoError(t, err)
	require.Empty(t, docs)

	_, err = store.ListDocuments(ctx, "submissions", crawler.Query{
		Filters: []crawler.Filter{{Field: "brand", Op: "like", Values: []any{"A%"}}},
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, crawler.ErrNotFound))
	require.Equal(t, 4, store.Len("submissions"))
}
