package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/crypto"
)

type issueChallengeRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

type challengeResponse struct {
	DeviceID     string    `json:"deviceId"`
	Nonce        string    `json:"nonce,omitempty"`
	SealedNonce  []byte    `json:"sealedNonce,omitempty"`
	KEMAlgorithm string    `json:"kemAlgorithm,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// HandleIssueChallenge handles POST /v1/challenges.
// A device with a registered KEM key receives the nonce sealed to that
// key only, so answering the challenge proves possession of the KEM
// secret key.
func HandleIssueChallenge(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueChallengeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		ch, err := s.Orchestrator.IssueChallenge(ctx, req.DeviceID)
		if err != nil {
			s.fail(c, err)
			return
		}

		resp := challengeResponse{
			DeviceID:  ch.DeviceID,
			Nonce:     ch.Nonce,
			IssuedAt:  ch.IssuedAt,
			ExpiresAt: ch.ExpiresAt,
		}
		device, err := s.Store.Device(ctx, req.DeviceID)
		if err != nil {
			s.fail(c, err)
			return
		}
		if device != nil && device.KEMAlgorithm != "" && len(device.KEMPublicKey) > 0 {
			sealed, err := crypto.Seal(s.Provider, device.KEMAlgorithm, device.KEMPublicKey, []byte(ch.Nonce))
			if err != nil {
				s.Logger.Warn("seal challenge failed", zap.String("device_id", req.DeviceID), zap.Error(err))
				s.fail(c, err)
				return
			}
			resp.Nonce = ""
			resp.SealedNonce = sealed
			resp.KEMAlgorithm = device.KEMAlgorithm
		}
		c.JSON(http.StatusCreated, resp)
	}
}
