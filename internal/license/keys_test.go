package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name   string
		tier   Type
		prefix string
	}{
		{"trial", TypeTrial, "TRI"},
		{"standard", TypeStandard, "STA"},
		{"enterprise", TypeEnterprise, "ENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := GenerateKey(tt.tier)
			require.NoError(t, err)

			assert.Len(t, key, 27)
			assert.True(t, strings.HasPrefix(key, tt.prefix+"-"))
			assert.True(t, ValidKeyFormat(key), "generated key must pass the format validator: %s", key)
			assert.Equal(t, tt.tier, TypeFromKey(key))
		})
	}

	t.Run("keys are random", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			key, err := GenerateKey(TypeStandard)
			require.NoError(t, err)
			assert.False(t, seen[key], "duplicate key generated: %s", key)
			seen[key] = true
		}
	})

	t.Run("type too short", func(t *testing.T) {
		_, err := GenerateKey(Type("ab"))
		assert.Error(t, err)
	})
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"valid enterprise key", "ENT-AB12CD-34EF56-GH78IJ-KL90MN", true},
		{"valid trial key", "TRI-000000-AAAAAA-ZZZZZZ-999999", true},
		{"lowercase rejected", "ent-ab12cd-34ef56-gh78ij-kl90mn", false},
		{"mixed case rejected", "ENT-ab12CD-34EF56-GH78IJ-KL90MN", false},
		{"too few groups", "ENT-AB12CD-34EF56-GH78IJ", false},
		{"too many groups", "ENT-AB12CD-34EF56-GH78IJ-KL90MN-XX11YY", false},
		{"short segment", "ENT-AB12C-34EF56-GH78IJ-KL90MN", false},
		{"long prefix", "ENTX-AB12CD-34EF56-GH78IJ-KL90MN", false},
		{"digit in prefix", "EN1-AB12CD-34EF56-GH78IJ-KL90MN", false},
		{"no hyphens", "ENTAB12CD34EF56GH78IJKL90MN", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidKeyFormat(tt.key))
		})
	}
}

func TestValidFingerprintFormat(t *testing.T) {
	tests := []struct {
		name  string
		fp    string
		valid bool
	}{
		{"valid", "FP-aaaaaaaa-bbbbbbbb-cccccccc", true},
		{"valid uppercase hex", "FP-AAAAAAAA-BBBBBBBB-CCCCCCCC", true},
		{"valid digits", "FP-01234567-89abcdef-00000000", true},
		{"non-hex", "FP-gggggggg-bbbbbbbb-cccccccc", false},
		{"short group", "FP-aaaaaaa-bbbbbbbb-cccccccc", false},
		{"missing prefix", "aaaaaaaa-bbbbbbbb-cccccccc", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidFingerprintFormat(tt.fp))
		})
	}
}

func TestHashKey(t *testing.T) {
	key := "STA-AAAAAA-BBBBBB-CCCCCC-DDDDDD"

	h1 := HashKey("secret", key)
	h2 := HashKey("secret", key)
	assert.Equal(t, h1, h2, "hash must be deterministic for lookups")
	assert.Len(t, h1, 64)

	assert.NotEqual(t, h1, HashKey("other-secret", key), "secret must salt the hash")
	assert.NotEqual(t, h1, HashKey("secret", "STA-AAAAAA-BBBBBB-CCCCCC-DDDDDE"))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "ENT-****90MN", MaskKey("ENT-AB12CD-34EF56-GH78IJ-KL90MN"))
	assert.Equal(t, "****", MaskKey("short"))
}
