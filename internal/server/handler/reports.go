package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/orchestrator"
	"github.com/aspect-build/pqattest/internal/server/db"
)

const maxReportBytes = 1 << 20

type verifyResponse struct {
	*orchestrator.Result
	Token string `json:"token,omitempty"`
}

// HandleSubmitReport handles POST /v1/reports.
// The body is a signed report. Verifier annotations in the payload are
// ignored and recomputed.
func HandleSubmitReport(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxReportBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		if len(body) > maxReportBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "report too large"})
			return
		}
		r, err := attestation.DecodeReport(body)
		if err != nil {
			s.fail(c, err)
			return
		}

		res, err := s.Orchestrator.VerifyAttestationReport(c.Request.Context(), r, nil, nil)
		if err != nil {
			s.fail(c, err)
			return
		}

		resp := verifyResponse{Result: res}
		if s.Tokens != nil {
			tok, err := s.Tokens.Issue(&res.VerificationResult)
			if err != nil {
				s.Logger.Error("issue result token", zap.String("report_id", r.ID), zap.Error(err))
			} else {
				resp.Token = tok
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleGetReport handles GET /v1/reports/:id.
func HandleGetReport(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := s.Store.AnnotatedReport(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		if r == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// HandleListReports handles GET /v1/reports?deviceId=&limit=.
func HandleListReports(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryLimit(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reports, err := s.Store.ListReports(c.Request.Context(), c.Query("deviceId"), limit)
		if err != nil {
			s.fail(c, err)
			return
		}
		if reports == nil {
			reports = []db.ReportSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"reports": reports})
	}
}

type bulkVerifyRequest struct {
	ReportIDs []string `json:"reportIds" binding:"required"`
	Force     bool     `json:"force"`
}

const maxBulkReports = 1000

// HandleBulkVerify handles POST /v1/reports/verify-bulk.
func HandleBulkVerify(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkVerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.ReportIDs) > maxBulkReports {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at most " + strconv.Itoa(maxBulkReports) + " report ids per request"})
			return
		}
		c.JSON(http.StatusOK, s.Orchestrator.BulkVerifyReports(c.Request.Context(), req.ReportIDs, req.Force))
	}
}

func queryLimit(c *gin.Context) (int, error) {
	v := c.Query("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errInvalidLimit
	}
	return n, nil
}
