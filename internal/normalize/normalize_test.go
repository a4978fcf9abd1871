package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

func TestIsPublicIP(t *testing.T) {
	cases := []struct {
		ip     string
		public bool
	}{
		{"8.8.8.8", true},
		{"1.2.3.4", true},
		{"203.0.113.7", true},
		{"2001:4860:4860::8888", true},
		{"10.0.0.1", false},
		{"172.16.5.9", false},
		{"172.31.255.255", false},
		{"192.168.0.1", false},
		{"127.0.0.1", false},
		{"169.254.1.1", false},
		{"224.0.0.1", false},
		{"240.0.0.1", false},
		{"255.255.255.255", false},
		{"0.0.0.0", false},
		{"::1", false},
		{"fe80::1", false},
		{"ff02::1", false},
		{"fd00::1", false},
		{"not-an-ip", false},
		{"", false},
		{"999.1.1.1", false},
	}
	for _, tc := range cases {
		t.Run(tc.ip, func(t *testing.T) {
			assert.Equal(t, tc.public, IsPublicIP(tc.ip))
		})
	}
}

func TestConfidence(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"high", 90},
		{"HIGH", 90},
		{"medium", 50},
		{"low", 10},
		{"critical", 95},
		{"unknown", 5},
		{"", 5},
		{"garbage", 5},
		{"75", 75},
		{"0", 0},
		{"150", 100},
		{"-3", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Confidence(tc.raw), "raw=%q", tc.raw)
	}
}

func TestCountry(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Korea", "KR"},
		{"한국", "KR"},
		{"KR", "KR"},
		{"kr", "KR"},
		{"United States", "US"},
		{"China", "CN"},
		{"germany", "GE"},
		{"fr", "FR"},
		{"123", ""},
		{"", ""},
		{"  ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Country(tc.raw), "raw=%q", tc.raw)
	}
}

func TestActiveFor(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	today := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	tomorrow := now.AddDate(0, 0, 1)

	assert.True(t, ActiveFor(nil, now))
	assert.True(t, ActiveFor(&today, now), "removal today is still active")
	assert.True(t, ActiveFor(&tomorrow, now))
	assert.False(t, ActiveFor(&yesterday, now))
}

func TestRecordsFiltersPrivateAndExpired(t *testing.T) {
	now := time.Now()
	yesterday := now.AddDate(0, 0, -1)

	res := Records([]core.ParsedRecord{
		{IPAddress: "1.2.3.4", Source: "REGTECH"},
		{IPAddress: "192.168.0.1", Source: "REGTECH"},
		{IPAddress: "bogus", Source: "REGTECH"},
		{IPAddress: "5.6.7.8", Source: "REGTECH", RemovalDate: &yesterday},
	}, now)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "1.2.3.4", res.Records[0].IPAddress)
	assert.Equal(t, 4, res.Stats.Total)
	assert.Equal(t, 2, res.Stats.ExcludedPrivateOrInvalid)
	assert.Equal(t, 1, res.Stats.Expired)
	assert.Equal(t, 1, res.Stats.Accepted)
}

func TestRecordsDedupFirstWins(t *testing.T) {
	now := time.Now()
	res := Records([]core.ParsedRecord{
		{IPAddress: "1.2.3.4", Source: "REGTECH", Country: "KR", Reason: "short"},
		{IPAddress: "1.2.3.4", Source: "REGTECH", Country: "US", Reason: "a longer and more specific reason"},
		{IPAddress: "1.2.3.4", Source: "REGTECH", Reason: "x"},
	}, now)

	require.Len(t, res.Records, 1)
	assert.Equal(t, 2, res.Stats.Duplicates)
	// First occurrence keeps its fields, but the more specific reason wins.
	assert.Equal(t, "KR", res.Records[0].Country)
	assert.Equal(t, "a longer and more specific reason", res.Records[0].Reason)
}

func TestRecordsCapTruncates(t *testing.T) {
	now := time.Now()
	recs := []core.ParsedRecord{
		{IPAddress: "1.1.1.1", Source: "REGTECH"},
		{IPAddress: "2.2.2.2", Source: "REGTECH"},
		{IPAddress: "3.3.3.3", Source: "REGTECH"},
	}

	res := withCap(recs, now, 2)
	assert.Len(t, res.Records, 2)
	assert.True(t, res.Stats.Truncated)
}

func TestRawPayloadPreservedAndParseable(t *testing.T) {
	now := time.Now()

	t.Run("upstream row preserved", func(t *testing.T) {
		res := Records([]core.ParsedRecord{{
			IPAddress: "9.9.9.9",
			Source:    "REGTECH",
			Raw:       map[string]interface{}{"ip_address": "9.9.9.9", "extra": "field"},
		}}, now)

		require.Len(t, res.Records, 1)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(res.Records[0].RawPayload, &payload))
		assert.Equal(t, "9.9.9.9", payload["ip_address"])
		assert.Equal(t, "field", payload["extra"])
	})

	t.Run("synthetic payload built when absent", func(t *testing.T) {
		res := Records([]core.ParsedRecord{{
			IPAddress: "9.9.9.9",
			Source:    "REGTECH",
			Country:   "KR",
		}}, now)

		require.Len(t, res.Records, 1)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(res.Records[0].RawPayload, &payload))
		assert.Equal(t, "9.9.9.9", payload["ip_address"])
		assert.Contains(t, payload, "collection_timestamp")
		assert.True(t, strings.Contains(string(res.Records[0].RawPayload), "9.9.9.9"))
	})
}

func TestRecordsDerivesConfidenceAndActivation(t *testing.T) {
	now := time.Now()
	future := now.AddDate(0, 1, 0)

	res := Records([]core.ParsedRecord{
		{IPAddress: "1.2.3.4", Source: "REGTECH", Confidence: "high", RemovalDate: &future},
		{IPAddress: "5.6.7.8", Source: "REGTECH", Confidence: "42"},
	}, now)

	require.Len(t, res.Records, 2)
	assert.Equal(t, 90, res.Records[0].Confidence)
	assert.True(t, res.Records[0].IsActive)
	assert.Equal(t, 42, res.Records[1].Confidence)
	assert.True(t, res.Records[1].IsActive)
}
