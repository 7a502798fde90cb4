// Package fingerprint derives approximately-stable machine identifiers used
// to bound license activations. Generation never fails outward: every mode
// degrades to a weaker one, down to a random fallback, rather than blocking
// the caller.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// maxMACs bounds how many interface addresses feed the hardware mode.
	maxMACs = 3

	// localCacheTTL bounds how long a generated hardware fingerprint is
	// reused before the inputs are re-read.
	localCacheTTL = time.Hour

	// fallbackMarker is mixed into random fallback fingerprints so support
	// can reproduce and recognize them from the inputs logged alongside.
	fallbackMarker = "cp-random-fallback"
)

// SystemInfo carries client-reported hardware attributes for server-side
// fingerprinting when the client does not compute its own fingerprint.
type SystemInfo struct {
	OS                string             `json:"os,omitempty"`
	Hostname          string             `json:"hostname,omitempty"`
	CPU               string             `json:"cpu,omitempty"`
	Memory            int64              `json:"memory,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"network_interfaces,omitempty"`
}

// NetworkInterface is one reported network adapter.
type NetworkInterface struct {
	MAC    string `json:"mac,omitempty"`
	Family string `json:"family,omitempty"`
}

// Generator produces machine fingerprints. The hardware fingerprint of the
// local machine is cached because reading interface and CPU data on every
// validation is wasteful.
type Generator struct {
	logger *slog.Logger

	mu          sync.RWMutex
	cached      string
	cacheExpiry time.Time
}

// New creates a fingerprint generator.
func New(logger *slog.Logger) *Generator {
	return &Generator{
		logger: logger.With(slog.String("component", "fingerprint")),
	}
}

// Local derives the fingerprint of the machine this process runs on from
// hostname, platform, architecture, total memory, CPU model and up to three
// stable MAC addresses. Missing inputs are skipped, not fatal.
func (g *Generator) Local() string {
	g.mu.RLock()
	if g.cached != "" && time.Now().Before(g.cacheExpiry) {
		fp := g.cached
		g.mu.RUnlock()
		return fp
	}
	g.mu.RUnlock()

	components := []string{}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		components = append(components, strings.ToLower(strings.TrimSpace(hostname)))
	} else if err != nil {
		g.logger.Warn("failed to read hostname for fingerprint", slog.String("error", err.Error()))
	}

	components = append(components, runtime.GOOS, runtime.GOARCH)

	if mem := totalMemory(); mem > 0 {
		components = append(components, fmt.Sprintf("%d", mem))
	}
	if cpu := cpuModel(); cpu != "" {
		components = append(components, cpu)
	}
	components = append(components, stableMACs()...)

	fp := format(components)

	g.mu.Lock()
	g.cached = fp
	g.cacheExpiry = time.Now().Add(localCacheTTL)
	g.mu.Unlock()

	g.logger.Debug("generated local machine fingerprint",
		slog.String("fingerprint", fp),
		slog.Int("components", len(components)))

	return fp
}

// FromSystemInfo derives a fingerprint from client-reported hardware
// attributes. Falls back to Random when nothing usable was reported.
func (g *Generator) FromSystemInfo(info SystemInfo) string {
	components := []string{}
	if info.OS != "" {
		components = append(components, info.OS)
	}
	if info.Hostname != "" {
		components = append(components, info.Hostname)
	}
	if info.CPU != "" {
		components = append(components, info.CPU)
	}
	if info.Memory > 0 {
		components = append(components, fmt.Sprintf("%d", info.Memory))
	}

	macs := make([]string, 0, len(info.NetworkInterfaces))
	for _, iface := range info.NetworkInterfaces {
		if iface.MAC != "" && iface.MAC != "00:00:00:00:00:00" {
			macs = append(macs, iface.MAC)
		}
	}
	// Order of reported interfaces is not stable across reboots.
	sort.Strings(macs)
	components = append(components, macs...)

	if len(components) == 0 {
		return g.Random()
	}
	return format(components)
}

// FromRequest derives a fingerprint from stable HTTP request attributes.
// This binding is weaker than hardware fingerprinting: user agents update
// and client addresses move, so it only serves clients that supply neither
// a fingerprint nor system info.
func (g *Generator) FromRequest(r *http.Request) string {
	components := []string{
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
		r.Header.Get("Connection"),
		clientIP(r),
	}

	nonEmpty := components[:0]
	for _, c := range components {
		if c != "" {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) == 0 {
		return g.Random()
	}

	fp := format(nonEmpty)
	g.logger.Debug("generated request-derived fingerprint",
		slog.String("fingerprint", fp),
		slog.String("remote_addr", r.RemoteAddr))
	return fp
}

// Random produces a last-resort fingerprint. The inputs are logged so a
// support engineer can tell a random binding from a hardware one when a
// customer reports activation trouble.
func (g *Generator) Random() string {
	nonce := uuid.New().String()
	fp := format([]string{fallbackMarker, nonce, fmt.Sprintf("%d", time.Now().UnixNano())})

	g.logger.Warn("no fingerprint inputs available, using random fallback",
		slog.String("fingerprint", fp),
		slog.String("marker", fallbackMarker),
		slog.String("nonce", nonce))

	return fp
}

// format hashes the joined components and renders the canonical
// FP-xxxxxxxx-xxxxxxxx-xxxxxxxx form from slices of the hex digest.
func format(components []string) string {
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	digest := hex.EncodeToString(sum[:])
	return fmt.Sprintf("FP-%s-%s-%s", digest[0:8], digest[8:16], digest[16:24])
}

// stableMACs collects up to maxMACs hardware addresses from interfaces that
// are up, not loopback, and carry a real MAC.
func stableMACs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	macs := make([]string, 0, maxMACs)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, mac)
		if len(macs) == maxMACs {
			break
		}
	}
	return macs
}

// cpuModel reads the primary CPU model. Best effort per platform.
func cpuModel() string {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err != nil {
			break
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				if idx := strings.Index(line, ":"); idx >= 0 {
					return strings.TrimSpace(line[idx+1:])
				}
			}
		}
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			return id
		}
	}
	return fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
}

// totalMemory reads total physical memory in bytes. Best effort; 0 when
// unavailable.
func totalMemory() int64 {
	if runtime.GOOS != "linux" {
		return 0
	}
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				var kb int64
				if _, err := fmt.Sscanf(fields[1], "%d", &kb); err == nil {
					return kb * 1024
				}
			}
		}
	}
	return 0
}

// clientIP extracts the client address without the port. RealIP middleware
// has already rewritten RemoteAddr when the request came through a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
