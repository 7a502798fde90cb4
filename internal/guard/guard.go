// Package guard gates application operations on the held license. Each
// protected operation maps to an explicit policy; there is no annotation
// scanning or reflection, the table is the whole truth.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"callpulse/internal/client"
	apperrors "callpulse/internal/errors"
	"callpulse/internal/license"
)

// Policy describes what an operation requires from the license.
type Policy struct {
	// RequiredFeature must be present in the license feature set. Empty
	// means no feature gate.
	RequiredFeature string
	// RequiredType is the minimum tier, using the trial < standard <
	// enterprise ordering. Empty means any tier.
	RequiredType license.Type
	// Skip bypasses license checking entirely for the operation.
	Skip bool
}

// Denial is a refused guard decision with a stable code the UI can branch
// on. AvailableFeatures is populated only for feature denials so the caller
// can show what the license does grant.
type Denial struct {
	Code              string   `json:"code"`
	Message           string   `json:"error"`
	AvailableFeatures []string `json:"available_features,omitempty"`
}

// Error implements the error interface.
func (d *Denial) Error() string { return d.Message }

// Entitlements is the per-request view of the validated license.
type Entitlements struct {
	License *license.License
}

// HasFeature reports whether the validated license grants the feature.
func (e *Entitlements) HasFeature(name string) bool {
	return e.License != nil && e.License.HasFeature(name)
}

// CanUseAgents reports whether count agents fit the license seat limit.
func (e *Entitlements) CanUseAgents(count int) bool {
	return e.License != nil && count <= e.License.MaxAgents
}

// CanMakeCalls reports whether count calls fit the monthly call limit.
func (e *Entitlements) CanMakeCalls(count int) bool {
	return e.License != nil && count <= e.License.MaxCallsPerMonth
}

type contextKey struct{}

// FromContext returns the entitlements attached by a passing guard check.
func FromContext(ctx context.Context) (*Entitlements, bool) {
	e, ok := ctx.Value(contextKey{}).(*Entitlements)
	return e, ok
}

// WithEntitlements attaches entitlements to a context. Exposed for tests
// and for callers that validate out of band.
func WithEntitlements(ctx context.Context, e *Entitlements) context.Context {
	return context.WithValue(ctx, contextKey{}, e)
}

// Guard evaluates operation policies against the license held by the
// client.
type Guard struct {
	client   *client.Client
	policies map[string]Policy
	logger   *slog.Logger
}

// New creates a guard over the given policy table.
func New(c *client.Client, policies map[string]Policy, logger *slog.Logger) *Guard {
	return &Guard{
		client:   c,
		policies: policies,
		logger:   logger.With(slog.String("component", "license_guard")),
	}
}

// Check evaluates the policy for operation. Operations absent from the
// table are allowed with empty entitlements: an unlisted operation is an
// unprotected one.
func (g *Guard) Check(ctx context.Context, operation string) (*Entitlements, error) {
	policy, ok := g.policies[operation]
	if !ok || policy.Skip {
		return &Entitlements{License: g.client.Current()}, nil
	}

	lic, err := g.client.Validate(ctx)
	if err != nil {
		return nil, g.deny(operation, validationDenial(err))
	}

	if lic.Status != license.StatusActive {
		return nil, g.deny(operation, &Denial{
			Code:    apperrors.CodeGuardNotActive,
			Message: "license is not active",
		})
	}
	if lic.Expired(time.Now()) {
		return nil, g.deny(operation, &Denial{
			Code:    apperrors.CodeGuardExpired,
			Message: "license has expired",
		})
	}

	if policy.RequiredFeature != "" && !lic.HasFeature(policy.RequiredFeature) {
		return nil, g.deny(operation, &Denial{
			Code:              apperrors.CodeGuardFeatureMissing,
			Message:           "feature " + policy.RequiredFeature + " is not available on this license",
			AvailableFeatures: lic.Features,
		})
	}

	if policy.RequiredType != "" && lic.Type.Rank() < policy.RequiredType.Rank() {
		return nil, g.deny(operation, &Denial{
			Code:    apperrors.CodeGuardInsufficientTier,
			Message: "operation requires a " + string(policy.RequiredType) + " license or higher",
		})
	}

	return &Entitlements{License: lic}, nil
}

// Middleware guards an HTTP route as the named operation, attaching the
// entitlements to the request context on success.
func (g *Guard) Middleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ent, err := g.Check(r.Context(), operation)
			if err != nil {
				var denial *Denial
				if !errors.As(err, &denial) {
					denial = &Denial{
						Code:    apperrors.CodeGuardInvalid,
						Message: err.Error(),
					}
				}
				body := map[string]interface{}{
					"success": false,
					"code":    denial.Code,
					"error":   denial.Message,
				}
				if len(denial.AvailableFeatures) > 0 {
					body["available_features"] = denial.AvailableFeatures
				}
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, body)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithEntitlements(r.Context(), ent)))
		})
	}
}

func (g *Guard) deny(operation string, d *Denial) *Denial {
	g.logger.Info("operation denied",
		slog.String("operation", operation),
		slog.String("code", d.Code))
	return d
}

// validationDenial folds a validation error into the guard's denial
// vocabulary. Expiry and inactivity keep their specific codes; everything
// else, including an unreachable license server, is an invalid license.
func validationDenial(err error) *Denial {
	switch {
	case errors.Is(err, apperrors.ErrExpired):
		return &Denial{Code: apperrors.CodeGuardExpired, Message: "license has expired"}
	case errors.Is(err, apperrors.ErrNotActive):
		return &Denial{Code: apperrors.CodeGuardNotActive, Message: "license is not active"}
	default:
		return &Denial{Code: apperrors.CodeGuardInvalid, Message: "no valid license"}
	}
}
