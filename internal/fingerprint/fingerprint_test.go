package fingerprint

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpulse/internal/license"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocal(t *testing.T) {
	g := New(testLogger())

	fp := g.Local()
	require.NotEmpty(t, fp)
	assert.True(t, license.ValidFingerprintFormat(fp), "local fingerprint must match FP format: %s", fp)

	t.Run("deterministic within cache window", func(t *testing.T) {
		assert.Equal(t, fp, g.Local())
	})

	t.Run("stable across generators", func(t *testing.T) {
		assert.Equal(t, fp, New(testLogger()).Local())
	})
}

func TestFromSystemInfo(t *testing.T) {
	g := New(testLogger())

	info := SystemInfo{
		OS:       "linux 6.8",
		Hostname: "agent-42",
		CPU:      "Xeon E5",
		Memory:   16 << 30,
		NetworkInterfaces: []NetworkInterface{
			{MAC: "aa:bb:cc:dd:ee:ff"},
			{MAC: "00:00:00:00:00:00"}, // zero MAC skipped
			{MAC: "11:22:33:44:55:66"},
		},
	}

	fp := g.FromSystemInfo(info)
	assert.True(t, license.ValidFingerprintFormat(fp))

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, fp, g.FromSystemInfo(info))
	})

	t.Run("interface order does not matter", func(t *testing.T) {
		shuffled := info
		shuffled.NetworkInterfaces = []NetworkInterface{
			{MAC: "11:22:33:44:55:66"},
			{MAC: "aa:bb:cc:dd:ee:ff"},
		}
		assert.Equal(t, fp, g.FromSystemInfo(shuffled))
	})

	t.Run("different host differs", func(t *testing.T) {
		other := info
		other.Hostname = "agent-43"
		assert.NotEqual(t, fp, g.FromSystemInfo(other))
	})

	t.Run("empty info falls back to random", func(t *testing.T) {
		a := g.FromSystemInfo(SystemInfo{})
		b := g.FromSystemInfo(SystemInfo{})
		assert.True(t, license.ValidFingerprintFormat(a))
		assert.NotEqual(t, a, b, "random fallback must not collide")
	})
}

func TestFromRequest(t *testing.T) {
	g := New(testLogger())

	r := httptest.NewRequest("POST", "/api/license/validate", nil)
	r.Header.Set("User-Agent", "callpulse-backend/1.0")
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Accept-Encoding", "gzip")
	r.RemoteAddr = "203.0.113.9:52011"

	fp := g.FromRequest(r)
	assert.True(t, license.ValidFingerprintFormat(fp))

	t.Run("deterministic for identical requests", func(t *testing.T) {
		r2 := httptest.NewRequest("POST", "/api/license/validate", nil)
		r2.Header.Set("User-Agent", "callpulse-backend/1.0")
		r2.Header.Set("Accept-Language", "en-US")
		r2.Header.Set("Accept-Encoding", "gzip")
		r2.RemoteAddr = "203.0.113.9:40000" // port must not matter
		assert.Equal(t, fp, g.FromRequest(r2))
	})

	t.Run("different client differs", func(t *testing.T) {
		r3 := httptest.NewRequest("POST", "/api/license/validate", nil)
		r3.Header.Set("User-Agent", "callpulse-backend/1.0")
		r3.Header.Set("Accept-Language", "en-US")
		r3.Header.Set("Accept-Encoding", "gzip")
		r3.RemoteAddr = "198.51.100.7:52011"
		assert.NotEqual(t, fp, g.FromRequest(r3))
	})
}

func TestRandom(t *testing.T) {
	g := New(testLogger())

	a := g.Random()
	b := g.Random()
	assert.True(t, license.ValidFingerprintFormat(a))
	assert.True(t, license.ValidFingerprintFormat(b))
	assert.NotEqual(t, a, b)
}
