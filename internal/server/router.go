package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/pqattest/internal/server/handler"
)

// NewRouter creates the Gin engine with every verifier route.
// Devices reach challenge issuance, report submission and the result
// token keys without credentials; everything else is operator only.
func NewRouter(s *handler.Services, cfg *Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.Logger))

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/version", handler.HandleVersion())

	admin := AdminAuth(cfg.AdminToken)

	v1 := r.Group("/v1")
	{
		// Device facing.
		v1.POST("/challenges", handler.HandleIssueChallenge(s))
		v1.POST("/reports", handler.HandleSubmitReport(s))
		v1.GET("/token-keys", handler.HandleTokenKeys(s))
		v1.GET("/algorithms", handler.HandleAlgorithms(s))

		// Devices
		v1.POST("/devices", admin, handler.HandleRegisterDevice(s))
		v1.GET("/devices", admin, handler.HandleListDevices(s))
		v1.GET("/devices/:id", admin, handler.HandleGetDevice(s))
		v1.PUT("/devices/:id/status", admin, handler.HandleUpdateDeviceStatus(s))

		// Reports
		v1.GET("/reports", admin, handler.HandleListReports(s))
		v1.GET("/reports/:id", admin, handler.HandleGetReport(s))
		v1.POST("/reports/verify-bulk", admin, handler.HandleBulkVerify(s))

		// Policies
		v1.GET("/policies", admin, handler.HandleListPolicies(s))
		v1.GET("/policies/:name", admin, handler.HandleGetPolicy(s))
		v1.PUT("/policies/:name", admin, handler.HandlePutPolicy(s))

		v1.GET("/audit", admin, handler.HandleListAudit(s))
	}

	return r
}
