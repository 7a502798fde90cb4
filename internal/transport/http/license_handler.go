// Package http exposes the license issuer API: creation, activation,
// validation, heartbeat, revocation, and the stateless key info endpoint.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"callpulse/internal/config"
	apperrors "callpulse/internal/errors"
	"callpulse/internal/fingerprint"
	"callpulse/internal/infrastructure"
	"callpulse/internal/license"
	"callpulse/internal/middleware"
	"callpulse/internal/store"
)

// LicenseHandler handles license HTTP requests.
type LicenseHandler struct {
	store        *store.Store
	fingerprints *fingerprint.Generator
	validate     *validator.Validate
	security     config.SecurityConfig
	logger       *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(st *store.Store, gen *fingerprint.Generator, security config.SecurityConfig, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		store:        st,
		fingerprints: gen,
		validate:     validator.New(),
		security:     security,
		logger:       logger.With(slog.String("handler", "license")),
	}
}

// ActivateRequest is the activation payload. A client that cannot compute
// its own fingerprint may report raw system info, or nothing at all and
// accept a weaker request-derived binding.
type ActivateRequest struct {
	LicenseKey         string                  `json:"license_key" validate:"required"`
	MachineFingerprint string                  `json:"machine_fingerprint,omitempty"`
	SystemInfo         *fingerprint.SystemInfo `json:"system_info,omitempty"`
}

// ValidateRequest is the validation payload.
type ValidateRequest struct {
	LicenseKey         string `json:"license_key" validate:"required"`
	MachineFingerprint string `json:"machine_fingerprint,omitempty"`
}

// CreateRequest is the admin creation payload. Absent fields fall back to
// the tier defaults.
type CreateRequest struct {
	Type             string                 `json:"type,omitempty" validate:"omitempty,oneof=trial standard enterprise"`
	MaxAgents        int                    `json:"max_agents,omitempty" validate:"omitempty,min=1"`
	MaxCallsPerMonth int                    `json:"max_calls_per_month,omitempty" validate:"omitempty,min=1"`
	Features         []string               `json:"features,omitempty"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	MaxActivations   int                    `json:"max_activations,omitempty" validate:"omitempty,min=1"`
	CompanyName      string                 `json:"company_name,omitempty"`
	ContactEmail     string                 `json:"contact_email,omitempty" validate:"omitempty,email"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// RevokeRequest is the admin revocation payload.
type RevokeRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
}

// DeactivateRequest releases one machine slot.
type DeactivateRequest struct {
	LicenseKey         string `json:"license_key" validate:"required"`
	MachineFingerprint string `json:"machine_fingerprint" validate:"required"`
}

// Routes returns the chi router for license endpoints.
func (h *LicenseHandler) Routes(rateLimit config.RateLimitConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.With(middleware.ActivationLimiter(rateLimit)).Post("/activate", h.Activate)
	r.Post("/validate", h.Validate)
	r.Post("/heartbeat", h.Heartbeat)
	r.Get("/info/{licenseKey}", h.Info)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminKey(h.security.AdminKey))
		r.Post("/create", h.Create)
		r.Post("/revoke", h.Revoke)
		r.Post("/deactivate", h.Deactivate)
		r.Get("/activations/{licenseKey}", h.Activations)
	})

	return r
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("request_id", chimiddleware.GetReqID(r.Context())),
		))
	defer span.End()
	start := time.Now()

	var req ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !license.ValidKeyFormat(req.LicenseKey) {
		h.denySuccess(w, r, apperrors.ErrInvalidKeyFormat)
		return
	}

	fp, weak := h.resolveFingerprint(r, req.MachineFingerprint, req.SystemInfo)
	if fp == "" {
		render.Render(w, r, apperrors.ErrValidation("machine_fingerprint",
			"must match FP-xxxxxxxx-xxxxxxxx-xxxxxxxx"))
		return
	}
	span.SetAttributes(attribute.Bool("fingerprint.request_derived", weak))

	lic, err := h.store.ActivateLicense(ctx, req.LicenseKey, fp, clientIP(r), r.UserAgent())
	if err != nil {
		if !apperrors.IsLicenseDenial(err) {
			span.RecordError(err)
			h.internalError(w, r, "license activation failed", err)
			return
		}
		h.logDenial(ctx, span, "activation refused", req.LicenseKey, err)
		h.denySuccess(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license activated",
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("key", license.MaskKey(req.LicenseKey)),
		slog.String("fingerprint", fp),
		slog.Duration("latency", time.Since(start)))

	render.JSON(w, r, map[string]interface{}{
		"success":             true,
		"license":             lic.Sanitized(),
		"machine_fingerprint": fp,
	})
}

// Validate handles POST /api/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/validate"),
			attribute.String("request_id", chimiddleware.GetReqID(r.Context())),
		))
	defer span.End()

	var req ValidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !license.ValidKeyFormat(req.LicenseKey) {
		h.denyValid(w, r, apperrors.ErrInvalidKeyFormat)
		return
	}

	fp, _ := h.resolveFingerprint(r, req.MachineFingerprint, nil)
	if fp == "" {
		render.Render(w, r, apperrors.ErrValidation("machine_fingerprint",
			"must match FP-xxxxxxxx-xxxxxxxx-xxxxxxxx"))
		return
	}

	lic, err := h.store.ValidateLicense(ctx, req.LicenseKey, fp)
	if err != nil {
		if !apperrors.IsLicenseDenial(err) {
			span.RecordError(err)
			h.internalError(w, r, "license validation failed", err)
			return
		}
		h.logDenial(ctx, span, "validation refused", req.LicenseKey, err)
		h.denyValid(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"valid":   true,
		"license": lic.Sanitized(),
	})
}

// Heartbeat handles POST /api/license/heartbeat. Semantically a validation
// whose success refreshes the activation's last-seen timestamp.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ValidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !license.ValidKeyFormat(req.LicenseKey) || !license.ValidFingerprintFormat(req.MachineFingerprint) {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]interface{}{
			"success": false,
			"valid":   false,
			"code":    apperrors.CodeInvalidFormat,
			"error":   apperrors.ErrInvalidKeyFormat.Error(),
		})
		return
	}

	if _, err := h.store.ValidateLicense(ctx, req.LicenseKey, req.MachineFingerprint); err != nil {
		if !apperrors.IsLicenseDenial(err) {
			h.internalError(w, r, "heartbeat failed", err)
			return
		}
		render.Status(r, apperrors.LicenseStatusCode(err))
		render.JSON(w, r, map[string]interface{}{
			"success": false,
			"valid":   false,
			"code":    apperrors.LicenseCode(err),
			"error":   err.Error(),
		})
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"valid":   true,
	})
}

// Info handles GET /api/license/info/{licenseKey}. Purely syntactic: it
// reports format validity and the tier encoded in the prefix without ever
// consulting storage, so it leaks nothing about which keys exist.
func (h *LicenseHandler) Info(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "licenseKey")

	if !license.ValidKeyFormat(key) {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]interface{}{
			"success": false,
			"code":    apperrors.CodeInvalidFormat,
			"error":   apperrors.ErrInvalidKeyFormat.Error(),
		})
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"info": map[string]interface{}{
			"format_valid": true,
			"type":         license.TypeFromKey(key),
		},
	})
}

// Create handles POST /api/license/create. The response carries the raw
// key; it is never retrievable again.
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler.create")
	defer span.End()

	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}

	lic, err := h.store.CreateLicense(ctx, store.CreateParams{
		Type:             license.Type(req.Type),
		MaxAgents:        req.MaxAgents,
		MaxCallsPerMonth: req.MaxCallsPerMonth,
		Features:         license.FeatureList(req.Features),
		ExpiresAt:        req.ExpiresAt,
		MaxActivations:   req.MaxActivations,
		CompanyName:      req.CompanyName,
		ContactEmail:     req.ContactEmail,
		Metadata:         license.Metadata(req.Metadata),
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrKeyCollision) {
			h.denySuccess(w, r, err)
			return
		}
		h.internalError(w, r, "license creation failed", err)
		return
	}

	span.SetAttributes(
		attribute.String("license.id", lic.ID),
		attribute.String("license.type", string(lic.Type)))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]interface{}{
		"success": true,
		"license": lic,
	})
}

// Revoke handles POST /api/license/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RevokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !license.ValidKeyFormat(req.LicenseKey) {
		h.denySuccess(w, r, apperrors.ErrInvalidKeyFormat)
		return
	}

	if err := h.store.RevokeLicense(ctx, req.LicenseKey); err != nil {
		if apperrors.IsLicenseDenial(err) {
			h.denySuccess(w, r, err)
			return
		}
		h.internalError(w, r, "license revocation failed", err)
		return
	}

	render.JSON(w, r, map[string]interface{}{"success": true})
}

// Deactivate handles POST /api/license/deactivate, releasing one machine
// slot without touching the lifetime activation counter.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DeactivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !license.ValidKeyFormat(req.LicenseKey) || !license.ValidFingerprintFormat(req.MachineFingerprint) {
		h.denySuccess(w, r, apperrors.ErrInvalidKeyFormat)
		return
	}

	if err := h.store.DeactivateMachine(ctx, req.LicenseKey, req.MachineFingerprint); err != nil {
		if apperrors.IsLicenseDenial(err) {
			h.denySuccess(w, r, err)
			return
		}
		h.internalError(w, r, "machine deactivation failed", err)
		return
	}

	render.JSON(w, r, map[string]interface{}{"success": true})
}

// Activations handles GET /api/license/activations/{licenseKey}.
func (h *LicenseHandler) Activations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "licenseKey")

	if !license.ValidKeyFormat(key) {
		h.denySuccess(w, r, apperrors.ErrInvalidKeyFormat)
		return
	}

	acts, err := h.store.Activations(ctx, key)
	if err != nil {
		if apperrors.IsLicenseDenial(err) {
			h.denySuccess(w, r, err)
			return
		}
		h.internalError(w, r, "activation listing failed", err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"success":     true,
		"activations": acts,
	})
}

// decode parses and validates the JSON payload, writing the error response
// itself on failure.
func (h *LicenseHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		render.Render(w, r, apperrors.ErrInvalidRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var details []apperrors.ValidationError
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, apperrors.ValidationError{
					Field:   fe.Field(),
					Message: fe.Tag(),
				})
			}
		}
		render.Render(w, r, apperrors.NewWithDetails(
			http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", details))
		return false
	}
	return true
}

// resolveFingerprint picks the strongest available machine binding: a
// client-computed fingerprint, then one derived from reported system info,
// then request attributes. Returns ("", false) only when the client sent a
// malformed fingerprint, which is a validation error rather than a
// fallback case. The bool reports a request-derived (weak) binding.
func (h *LicenseHandler) resolveFingerprint(r *http.Request, supplied string, info *fingerprint.SystemInfo) (string, bool) {
	if supplied != "" {
		if !license.ValidFingerprintFormat(supplied) {
			return "", false
		}
		return supplied, false
	}
	if info != nil {
		return h.fingerprints.FromSystemInfo(*info), false
	}
	return h.fingerprints.FromRequest(r), true
}

// denySuccess writes a business denial in the activation-style shape.
func (h *LicenseHandler) denySuccess(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, apperrors.LicenseStatusCode(err))
	render.JSON(w, r, map[string]interface{}{
		"success": false,
		"code":    apperrors.LicenseCode(err),
		"error":   err.Error(),
	})
}

// denyValid writes a business denial in the validation-style shape.
func (h *LicenseHandler) denyValid(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, apperrors.LicenseStatusCode(err))
	render.JSON(w, r, map[string]interface{}{
		"valid": false,
		"code":  apperrors.LicenseCode(err),
		"error": err.Error(),
	})
}

// internalError writes an RFC 7807 problem for infrastructure faults.
func (h *LicenseHandler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	h.logger.ErrorContext(ctx, msg,
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("error", err.Error()))

	problem := apperrors.NewProblemDetails(
		http.StatusInternalServerError,
		apperrors.TypeInternal,
		"Internal Server Error",
		msg,
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.TraceIDFromContext(ctx))
	render.Render(w, r, problem)
}

// logDenial records a refused operation. Denials are expected outcomes, so
// they log at info with the stable code rather than as errors.
func (h *LicenseHandler) logDenial(ctx context.Context, span trace.Span, msg, key string, err error) {
	span.SetAttributes(attribute.String("license.denial_code", apperrors.LicenseCode(err)))
	h.logger.InfoContext(ctx, msg,
		slog.String("key", license.MaskKey(key)),
		slog.String("code", apperrors.LicenseCode(err)))
}

// clientIP extracts the client address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
