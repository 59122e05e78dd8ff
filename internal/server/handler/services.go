package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/crypto"
	"github.com/aspect-build/pqattest/internal/orchestrator"
	"github.com/aspect-build/pqattest/internal/policy"
	"github.com/aspect-build/pqattest/internal/server/db"
	"github.com/aspect-build/pqattest/internal/token"
)

// Services is what the handlers share.
type Services struct {
	Store        *db.Store
	Orchestrator *orchestrator.Orchestrator
	Provider     crypto.Provider
	Registry     *crypto.Registry
	Tokens       *token.Issuer
	Logger       *zap.Logger
}

type algorithmView struct {
	crypto.AlgorithmSpec
	Kind string `json:"kind"`
}

// Algorithms lists the registered algorithms with their kind.
func (s *Services) Algorithms() []algorithmView {
	if s.Registry == nil {
		return []algorithmView{}
	}
	specs := s.Registry.Specs()
	out := make([]algorithmView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, algorithmView{AlgorithmSpec: spec, Kind: spec.Kind.String()})
	}
	return out
}

// statusFor maps a pipeline error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, attestation.ErrValidation), errors.Is(err, policy.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrReplay),
		errors.Is(err, orchestrator.ErrReportConflict),
		errors.Is(err, db.ErrReportConflict):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrDeviceNotFound),
		errors.Is(err, orchestrator.ErrPolicyNotFound),
		errors.Is(err, orchestrator.ErrReportNotFound),
		errors.Is(err, db.ErrDeviceNotFound),
		errors.Is(err, policy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crypto.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrCollectionFailed):
		return http.StatusBadGateway
	}
	var ce *crypto.Error
	if errors.As(err, &ce) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Services) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Services) audit(ctx context.Context, e audit.Event) {
	if err := s.Store.Record(ctx, e); err != nil {
		s.Logger.Warn("audit record failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

var errInvalidLimit = errors.New("limit must be a non-negative integer")
