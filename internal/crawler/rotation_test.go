package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRotationRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewRotation(nil)
	require.Error(t, err)

	_, err = NewRotation([]SourceName{"a", ""})
	require.Error(t, err)

	_, err = NewRotation([]SourceName{"a", "b", "a"})
	require.ErrorContains(t, err, "listed twice")
}

func TestRotationNext(t *testing.T) {
	t.Parallel()

	rot, err := NewRotation([]SourceName{"a", "b", "c"})
	require.NoError(t, err)

	testCases := []struct {
		name        string
		current     SourceName
		yieldedZero bool
		want        SourceName
	}{
		{"stays while yielding", "a", false, "a"},
		{"advances on empty", "a", true, "b"},
		{"middle advances", "b", true, "c"},
		{"wraps around", "c", true, "a"},
		{"unknown recovers to first", "zzz", false, "a"},
		{"empty recovers to first", "", true, "a"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rot.Next(tc.current, tc.yieldedZero))
		})
	}
}

func TestRotationFullCycleReturnsToStart(t *testing.T) {
	t.Parallel()

	rot, err := NewRotation(DefaultRotation)
	require.NoError(t, err)

	cur := rot.First()
	for range rot {
		cur = rot.Next(cur, true)
	}
	require.Equal(t, rot.First(), cur)
	require.True(t, rot.Contains(SourceCatalogFeed))
	require.False(t, rot.Contains("missing"))
}

func TestFetchErrorClassification(t *testing.T) {
	t.Parallel()

	statusErr := &FetchError{Kind: FetchErrorStatus, URL: "https://x", StatusCode: 503}
	require.True(t, IsStatusError(statusErr))
	require.False(t, IsNetworkError(statusErr))
	require.Contains(t, statusErr.Error(), "503")

	netErr := &FetchError{Kind: FetchErrorNetwork, URL: "https://x", Err: ErrNotFound}
	require.True(t, IsNetworkError(netErr))
	require.ErrorIs(t, netErr, ErrNotFound)
}

func TestCrawlStateCloneIsDeep(t *testing.T) {
	t.Parallel()

	st := CrawlState{ActiveSource: "a"}
	st.SetCursor("a", Cursor{Page: 3})
	st.Statistics.SetSource("a", SourceStats{Pages: 2})

	cp := st.Clone()
	cp.SetCursor("a", Cursor{Page: 9})
	cp.Statistics.SetSource("a", SourceStats{Pages: 7})

	require.Equal(t, 3, st.CursorFor("a").Page)
	require.Equal(t, int64(2), st.Statistics.Source("a").Pages)
}
