// Package license defines the licensing domain model shared by the issuer
// server and the consumer-side client: license and activation records, the
// ordered tier system, per-tier defaults, and the license key scheme.
//
// A license key looks like STA-K3J9QX-7M2PLA-0BZT4R-WQ81NC: a 3-letter tier
// prefix followed by four random 6-character base36 segments. After the
// creation response the raw key is never stored; lookups go through an
// HMAC-SHA256 hash of the key.
//
// Tiers are ordered (trial < standard < enterprise) and drive feature and
// limit defaults. Feature gating compares against the feature set on the
// license record, not against the tier tables, so individually created
// licenses may carry a custom feature set.
package license
