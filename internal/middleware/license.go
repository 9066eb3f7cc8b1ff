// Package middleware provides HTTP middleware for the license subsystem,
// most notably the gate that keeps the application locked until a valid
// license is installed.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"

	"clinickey/internal/license"
)

// LicenseGate blocks requests while no valid license is installed. Validation
// results are cached briefly so the gate does not re-read the encrypted
// stores on every request.
type LicenseGate struct {
	manager *license.Manager
	logger  *slog.Logger

	cache struct {
		mu        sync.RWMutex
		report    *license.StatusReport
		checkedAt time.Time
	}
	ttl time.Duration

	excludePaths    map[string]struct{}
	excludePrefixes []string
}

// NewLicenseGate creates a license gate middleware. The license endpoints
// themselves are always excluded so activation stays reachable.
func NewLicenseGate(manager *license.Manager, logger *slog.Logger, ttl time.Duration) *LicenseGate {
	return &LicenseGate{
		manager: manager,
		logger:  logger.With(slog.String("component", "license_gate")),
		ttl:     ttl,
		excludePaths: map[string]struct{}{
			"/":        {},
			"/healthz": {},
			"/metrics": {},
		},
		excludePrefixes: []string{"/api/license"},
	}
}

// Handler wraps next with the license check
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		report := g.currentReport(r)
		if report == nil || !report.IsValid {
			errorKind := license.CodeNotActivated
			if report != nil && report.ErrorKind != "" {
				errorKind = report.ErrorKind
			}
			g.logger.Debug("request blocked by license gate",
				slog.String("path", r.URL.Path),
				slog.String("error_kind", errorKind),
			)
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, map[string]string{
				"status":     "license_required",
				"error_kind": errorKind,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *LicenseGate) excluded(path string) bool {
	if _, ok := g.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *LicenseGate) currentReport(r *http.Request) *license.StatusReport {
	g.cache.mu.RLock()
	if g.cache.report != nil && time.Since(g.cache.checkedAt) < g.ttl {
		report := g.cache.report
		g.cache.mu.RUnlock()
		return report
	}
	g.cache.mu.RUnlock()

	report, err := g.manager.CheckStatus(r.Context())
	if err != nil {
		g.logger.Error("license check failed in gate", slog.String("error", err.Error()))
		return nil
	}

	g.cache.mu.Lock()
	g.cache.report = report
	g.cache.checkedAt = time.Now()
	g.cache.mu.Unlock()

	return report
}

// Invalidate drops the cached validation result, forcing a fresh check on the
// next request. Called after activation and deactivation.
func (g *LicenseGate) Invalidate() {
	g.cache.mu.Lock()
	g.cache.report = nil
	g.cache.mu.Unlock()
}
