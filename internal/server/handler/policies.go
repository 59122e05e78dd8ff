package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/policy"
	"github.com/aspect-build/pqattest/internal/server/db"
)

const maxPolicyBytes = 64 << 10

// HandlePutPolicy handles PUT /v1/policies/:name with a YAML body.
func HandlePutPolicy(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPolicyBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		if len(body) > maxPolicyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "policy too large"})
			return
		}
		p, err := policy.Parse(body)
		if err != nil {
			s.fail(c, err)
			return
		}
		name := c.Param("name")
		if p.Name != name {
			c.JSON(http.StatusBadRequest, gin.H{"error": "policy name does not match path"})
			return
		}
		ctx := c.Request.Context()
		if err := s.Store.PutPolicy(ctx, p); err != nil {
			s.fail(c, err)
			return
		}
		s.audit(ctx, audit.NewEvent(audit.EventPolicyUpdated, "", "", "stored").With("policy", name))
		c.JSON(http.StatusOK, p)
	}
}

// HandleGetPolicy handles GET /v1/policies/:name.
func HandleGetPolicy(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.Store.Policy(c.Request.Context(), c.Param("name"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// HandleListPolicies handles GET /v1/policies.
func HandleListPolicies(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := s.Store.ListPolicies(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		if records == nil {
			records = []db.PolicyRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"policies": records})
	}
}
