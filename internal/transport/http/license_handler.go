// Package http exposes the license manager to the application shell over a
// chi-routed JSON API. This is the only surface the surrounding application
// uses; everything else in the subsystem stays internal.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"clinickey/internal/infrastructure"
	"clinickey/internal/license"
	"clinickey/pkg/contracts/domain"
)

var validate = validator.New()

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	manager *license.Manager
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(manager *license.Manager, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		manager: manager,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for the license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Get("/machine-info", h.GetMachineInfo)
	r.Get("/info", h.GetLicenseInfo)
	// Development/support tooling only
	r.Post("/deactivate", h.Deactivate)

	return r
}

// activationRequest wraps the contract type to implement render.Binder
type activationRequest struct {
	domain.ActivationRequest
}

func (a *activationRequest) Bind(r *http.Request) error {
	return validate.Struct(a.ActivationRequest)
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())
	logger := infrastructure.LoggerWithContext(ctx)

	report, err := h.manager.CheckStatus(ctx)
	if err != nil {
		logger.Error("license status check failed", slog.String("error", err.Error()))
		render.Render(w, r, errInternal(err))
		return
	}

	resp := domain.StatusResponse{
		IsValid:    report.IsValid,
		ErrorKind:  report.ErrorKind,
		IsFirstRun: report.IsFirstRun,
		License:    infoToSummary(report.License),
	}
	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())
	logger := infrastructure.LoggerWithContext(ctx)
	start := time.Now()

	req := &activationRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, errBadRequest(err.Error()))
		return
	}

	activated, err := h.manager.Activate(ctx, req.LicenseKey)
	if err != nil {
		code := license.ErrorCode(err)
		logger.Warn("license activation failed",
			slog.String("error_code", code),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		render.Status(r, httpStatusForCode(code))
		render.JSON(w, r, domain.ActivationResponse{
			Success:   false,
			ErrorKind: code,
			Message:   userMessageForCode(code),
			TraceID:   infrastructure.TraceIDFromContext(ctx),
		})
		return
	}

	logger.Info("license activated",
		slog.String("license_id", activated.LicenseID),
		slog.Duration("duration", time.Since(start)),
	)

	info, _ := h.manager.GetLicenseInfo(ctx)
	activatedAt := activated.ActivatedAt
	render.JSON(w, r, domain.ActivationResponse{
		Success:     true,
		Message:     "License activated successfully",
		License:     infoToSummary(info),
		TraceID:     infrastructure.TraceIDFromContext(ctx),
		ActivatedAt: &activatedAt,
	})
}

// GetMachineInfo handles GET /api/license/machine-info
func (h *LicenseHandler) GetMachineInfo(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())

	info, err := h.manager.GetMachineInfo(ctx)
	if err != nil {
		infrastructure.LoggerWithContext(ctx).Error("machine info unavailable",
			slog.String("error", err.Error()),
		)
		render.Render(w, r, errInternal(err))
		return
	}

	render.JSON(w, r, domain.MachineInfoResponse{
		HWID:     info.HWID,
		Platform: info.Platform,
		Arch:     info.Arch,
	})
}

// GetLicenseInfo handles GET /api/license/info
func (h *LicenseHandler) GetLicenseInfo(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())

	info, err := h.manager.GetLicenseInfo(ctx)
	if err != nil {
		render.Render(w, r, errInternal(err))
		return
	}
	if info == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error_kind": license.CodeNotActivated})
		return
	}
	render.JSON(w, r, infoToSummary(info))
}

// Deactivate handles POST /api/license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())
	logger := infrastructure.LoggerWithContext(ctx)

	if err := h.manager.Deactivate(ctx); err != nil {
		code := license.ErrorCode(err)
		logger.Warn("license deactivation failed",
			slog.String("error_code", code),
			slog.String("error", err.Error()),
		)
		render.Status(r, httpStatusForCode(code))
		render.JSON(w, r, domain.DeactivationResponse{
			Success:   false,
			ErrorKind: code,
			Message:   userMessageForCode(code),
		})
		return
	}

	render.JSON(w, r, domain.DeactivationResponse{
		Success: true,
		Message: "License deactivated",
	})
}

func infoToSummary(info *license.LicenseInfo) *domain.LicenseSummary {
	if info == nil {
		return nil
	}
	return &domain.LicenseSummary{
		Status:         string(info.Status),
		LicenseType:    info.LicenseType,
		ActivatedAt:    info.ActivatedAt,
		ExpiresAt:      info.ExpiresAt,
		RemainingDays:  info.RemainingDays,
		IsExpiringSoon: info.IsExpiringSoon,
		Features:       info.Features,
	}
}
