package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeRank(t *testing.T) {
	assert.True(t, TypeTrial.Rank() < TypeStandard.Rank())
	assert.True(t, TypeStandard.Rank() < TypeEnterprise.Rank())
	assert.Equal(t, -1, Type("platinum").Rank())
	assert.False(t, Type("platinum").Valid())
	assert.True(t, TypeEnterprise.Valid())
}

func TestDefaults(t *testing.T) {
	t.Run("features by tier", func(t *testing.T) {
		assert.ElementsMatch(t, FeatureList{FeatureBasicCalls, FeatureBasicAnalytics}, DefaultFeatures(TypeTrial))
		assert.Contains(t, DefaultFeatures(TypeStandard), FeatureCallRecording)
		assert.Contains(t, DefaultFeatures(TypeStandard), FeatureBasicPipelines)
		assert.NotContains(t, DefaultFeatures(TypeStandard), FeatureIntegrations)
		assert.Contains(t, DefaultFeatures(TypeEnterprise), FeatureIntegrations)
		assert.Contains(t, DefaultFeatures(TypeEnterprise), FeaturePrioritySupport)
	})

	t.Run("unknown tier falls back to trial", func(t *testing.T) {
		assert.Equal(t, DefaultFeatures(TypeTrial), DefaultFeatures(Type("bogus")))
		assert.Equal(t, 2, DefaultMaxAgents(Type("bogus")))
		assert.Equal(t, 100, DefaultMaxCalls(Type("bogus")))
	})

	t.Run("limits by tier", func(t *testing.T) {
		assert.Equal(t, 10, DefaultMaxAgents(TypeStandard))
		assert.Equal(t, 100, DefaultMaxAgents(TypeEnterprise))
		assert.Equal(t, 5000, DefaultMaxCalls(TypeStandard))
		assert.Equal(t, 50000, DefaultMaxCalls(TypeEnterprise))
	})

	t.Run("expiry", func(t *testing.T) {
		now := time.Now()
		exp := DefaultExpiry(TypeTrial, now)
		require.NotNil(t, exp)
		assert.Equal(t, now.Add(TrialPeriod), *exp)

		assert.Nil(t, DefaultExpiry(TypeStandard, now))
		assert.Nil(t, DefaultExpiry(TypeEnterprise, now))
	})

	t.Run("mutating returned features does not leak", func(t *testing.T) {
		f := DefaultFeatures(TypeTrial)
		f[0] = "mutated"
		assert.Equal(t, FeatureBasicCalls, DefaultFeatures(TypeTrial)[0])
	})
}

func TestLicenseExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&License{}).Expired(now), "no expiry means never expired")
	assert.True(t, (&License{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&License{ExpiresAt: &future}).Expired(now))
}

func TestLicenseHasFeature(t *testing.T) {
	l := &License{Features: FeatureList{FeatureBasicCalls, FeatureCallRecording}}
	assert.True(t, l.HasFeature(FeatureCallRecording))
	assert.False(t, l.HasFeature(FeatureIntegrations))
	assert.False(t, (&License{}).HasFeature(FeatureBasicCalls))
}

func TestLicenseSanitized(t *testing.T) {
	l := &License{
		ID:       "id-1",
		Key:      "STA-AAAAAA-BBBBBB-CCCCCC-DDDDDD",
		KeyHash:  "deadbeef",
		Metadata: Metadata{"internal": true},
		Features: FeatureList{FeatureBasicCalls},
	}

	s := l.Sanitized()
	assert.Empty(t, s.Key)
	assert.Empty(t, s.KeyHash)
	assert.Nil(t, s.Metadata)
	assert.Equal(t, l.ID, s.ID)
	assert.Equal(t, l.Features, s.Features)

	// Original untouched.
	assert.NotEmpty(t, l.Key)
	assert.NotEmpty(t, l.KeyHash)
}

func TestFeatureListScan(t *testing.T) {
	tests := []struct {
		name string
		src  interface{}
		want FeatureList
	}{
		{"native array", `["basic_calls","integrations"]`, FeatureList{"basic_calls", "integrations"}},
		{"bytes", []byte(`["basic_calls"]`), FeatureList{"basic_calls"}},
		{"serialized string", `"[\"basic_calls\",\"call_recording\"]"`, FeatureList{"basic_calls", "call_recording"}},
		{"empty array", `[]`, FeatureList{}},
		{"nil", nil, FeatureList{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FeatureList
			require.NoError(t, f.Scan(tt.src))
			assert.Equal(t, tt.want, f)
		})
	}

	t.Run("malformed", func(t *testing.T) {
		var f FeatureList
		assert.Error(t, f.Scan(`{notjson`))
		assert.Error(t, f.Scan(42))
	})

	t.Run("round trip", func(t *testing.T) {
		in := FeatureList{"basic_calls", "integrations"}
		v, err := in.Value()
		require.NoError(t, err)

		var out FeatureList
		require.NoError(t, out.Scan(v))
		assert.Equal(t, in, out)
	})
}

func TestMetadataRoundTrip(t *testing.T) {
	in := Metadata{"reseller": "acme", "seats": float64(12)}
	v, err := in.Value()
	require.NoError(t, err)

	var out Metadata
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	var empty Metadata
	require.NoError(t, empty.Scan(nil))
	assert.Equal(t, Metadata{}, empty)
}
