package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPathBibs(t *testing.T) {
	cases := []struct {
		name       string
		chain      []string
		scope      string
		recordType string
		want       string
	}{
		{"bib", []string{"991"}, "bibs", "bibs", "/bibs/991"},
		{"holding", []string{"991", "221"}, "bibs", "holdings", "/bibs/991/holdings/221"},
		{"item", []string{"991", "221", "231"}, "bibs", "items", "/bibs/991/holdings/221/items/231"},
		{"portfolio", []string{"991", "531"}, "bibs", "portfolios", "/bibs/991/portfolios/531"},
		{"e-collection", []string{"611"}, "electronic", "e-collections", "/electronic/e-collections/611"},
		{"e-service", []string{"611", "621"}, "electronic", "e-services", "/electronic/e-collections/611/e-services/621"},
		{"e-portfolio", []string{"611", "621", "531"}, "electronic", "portfolios", "/electronic/e-collections/611/e-services/621/portfolios/531"},
		{"user", []string{"u1"}, "users", "users", "/users/u1"},
		{"vendor", []string{"v1"}, "acq", "vendors", "/acq/vendors/v1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := recordPath(tc.chain, tc.scope, tc.recordType)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRecordPathRejectsShortChain(t *testing.T) {
	_, err := recordPath([]string{"231"}, "bibs", "items")
	assert.Error(t, err)

	_, err = recordPath([]string{"221", "231"}, "bibs", "items")
	assert.Error(t, err)
}

func TestRecordPathRejectsUnknownScope(t *testing.T) {
	_, err := recordPath([]string{"991"}, "conf", "sets")
	assert.Error(t, err)

	_, err = recordPath(nil, "bibs", "bibs")
	assert.Error(t, err)
}

func TestChainFromLink(t *testing.T) {
	base := "https://api-eu.hosted.exlibrisgroup.com/almaws/v1"

	assert.Equal(t, "991,221,231",
		chainFromLink(base, base+"/bibs/991/holdings/221/items/231"))
	assert.Equal(t, "991", chainFromLink(base, base+"/bibs/991"))
	assert.Equal(t, "", chainFromLink(base, base))
}
