package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/crypto"
	"github.com/aspect-build/pqattest/internal/server/db"
)

type registerDeviceRequest struct {
	ID              string                   `json:"id" binding:"required"`
	Algorithm       string                   `json:"algorithm" binding:"required"`
	PublicKey       []byte                   `json:"publicKey" binding:"required"`
	KEMAlgorithm    string                   `json:"kemAlgorithm"`
	KEMPublicKey    []byte                   `json:"kemPublicKey"`
	Policy          string                   `json:"policy"`
	FirmwareVersion string                   `json:"firmwareVersion"`
	HardwareVersion string                   `json:"hardwareVersion"`
	Status          attestation.DeviceStatus `json:"status"`
}

// checkKey resolves alg, checks it is of kind want and that key has the
// algorithm's public key size. It returns the canonical name.
func checkKey(p crypto.Provider, alg string, want crypto.Kind, key []byte) (string, error) {
	spec, err := p.Algorithm(alg)
	if err != nil {
		return "", err
	}
	if spec.Kind != want {
		return "", fmt.Errorf("%s is a %s algorithm, want %s", spec.Name, spec.Kind, want)
	}
	if !spec.Implemented {
		return "", fmt.Errorf("%s is not implemented", spec.Name)
	}
	if len(key) != spec.PublicKeySize {
		return "", fmt.Errorf("%s public key is %d bytes, want %d", spec.Name, len(key), spec.PublicKeySize)
	}
	return spec.Name, nil
}

// HandleRegisterDevice handles POST /v1/devices.
func HandleRegisterDevice(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerDeviceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !attestation.ValidDeviceID(req.ID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be 32 lowercase hex characters"})
			return
		}
		alg, err := checkKey(s.Provider, req.Algorithm, crypto.KindSignature, req.PublicKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d := &attestation.Device{
			ID:              req.ID,
			Algorithm:       alg,
			PublicKeys:      map[string][]byte{alg: req.PublicKey},
			PolicyRef:       req.Policy,
			FirmwareVersion: req.FirmwareVersion,
			HardwareVersion: req.HardwareVersion,
			Status:          req.Status,
		}
		if d.Status == "" {
			d.Status = attestation.DeviceProvisioned
		}
		if req.KEMAlgorithm != "" {
			kem, err := checkKey(s.Provider, req.KEMAlgorithm, crypto.KindKEM, req.KEMPublicKey)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			d.KEMAlgorithm = kem
			d.KEMPublicKey = req.KEMPublicKey
		}

		ctx := c.Request.Context()
		if err := s.Store.CreateDevice(ctx, d); err != nil {
			switch {
			case errors.Is(err, db.ErrDeviceDuplicate):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, db.ErrInvalidStatus):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				s.fail(c, err)
			}
			return
		}
		s.audit(ctx, audit.NewEvent(audit.EventDeviceRegistered, d.ID, "", string(d.Status)).
			With("algorithm", d.Algorithm))
		c.JSON(http.StatusCreated, d)
	}
}

// HandleListDevices handles GET /v1/devices.
func HandleListDevices(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		devices, err := s.Store.ListDevices(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		if devices == nil {
			devices = []*attestation.Device{}
		}
		c.JSON(http.StatusOK, gin.H{"devices": devices})
	}
}

// HandleGetDevice handles GET /v1/devices/:id.
func HandleGetDevice(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := s.Store.Device(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		if d == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

type updateStatusRequest struct {
	Status attestation.DeviceStatus `json:"status" binding:"required"`
}

// HandleUpdateDeviceStatus handles PUT /v1/devices/:id/status.
func HandleUpdateDeviceStatus(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := c.Param("id")
		ctx := c.Request.Context()
		if err := s.Store.UpdateDeviceStatus(ctx, id, req.Status); err != nil {
			if errors.Is(err, db.ErrInvalidStatus) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			s.fail(c, err)
			return
		}
		s.audit(ctx, audit.NewEvent(audit.EventDeviceStatusChange, id, "", string(req.Status)))
		c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
	}
}
