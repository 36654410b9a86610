package es

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadata_stamped(t *testing.T) {
	caller := Metadata{
		"correlation-id": "c-1",
		// collides with a store-owned key and must lose
		MetaAggregateID: "spoofed",
	}

	got := caller.stamped("classified_ad", "ad-1", Version(3), "AdPublished")

	require.Equal(t, "c-1", got["correlation-id"])
	require.Equal(t, "classified_ad", got[MetaAggregateType])
	require.Equal(t, "ad-1", got[MetaAggregateID])
	require.Equal(t, "3", got[MetaAggregateVersion])
	require.Equal(t, "AdPublished", got[MetaEventType])

	// input is left alone
	require.Equal(t, "spoofed", caller[MetaAggregateID])
}

func TestMetadata_stamped_nil(t *testing.T) {
	var m Metadata
	got := m.stamped("a", "1", StreamStart, "E")
	require.Len(t, got, 4)
}
