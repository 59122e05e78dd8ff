package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/version"
)

// HandleListAudit handles GET /v1/audit?deviceId=&limit=.
func HandleListAudit(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryLimit(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		events, err := s.Store.AuditEvents(c.Request.Context(), c.Query("deviceId"), limit)
		if err != nil {
			s.fail(c, err)
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// HandleAlgorithms handles GET /v1/algorithms.
func HandleAlgorithms(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"algorithms": s.Algorithms()})
	}
}

// HandleVersion handles GET /version.
func HandleVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get())
	}
}

// HandleTokenKeys handles GET /v1/token-keys, the JWKS for result tokens.
func HandleTokenKeys(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Tokens == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result tokens are disabled"})
			return
		}
		c.JSON(http.StatusOK, s.Tokens.KeySet())
	}
}
