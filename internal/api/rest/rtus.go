package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/auth"
	"github.com/KevinKickass/OpenPNIO/internal/config"
	"github.com/KevinKickass/OpenPNIO/internal/devices"
	"github.com/KevinKickass/OpenPNIO/internal/processimage"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// GET /api/v1/rtus
func (s *Server) listRTUs(c *gin.Context) {
	snapshots := s.lm.Registry().List()
	c.JSON(http.StatusOK, gin.H{
		"rtus":  snapshots,
		"count": len(snapshots),
	})
}

// GET /api/v1/rtus/:name
func (s *Server) getRTU(c *gin.Context) {
	snap, err := s.lm.Registry().Snapshot(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/v1/rtus/:name/profile
func (s *Server) getProfile(c *gin.Context) {
	name := c.Param("name")
	desc, err := s.lm.Registry().Descriptor(name)
	if err != nil {
		respondError(c, err)
		return
	}
	profile, err := s.lm.Registry().Profile(name)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":            desc.Name,
		"station_name":    desc.StationName,
		"mac":             desc.MAC.String(),
		"ip":              desc.IP.String(),
		"vendor_id":       desc.VendorID,
		"device_id":       desc.DeviceID,
		"instance_id":     desc.InstanceID,
		"input_frame_id":  desc.InputFrameID,
		"output_frame_id": desc.OutputFrameID,
		"auto_connect":    desc.AutoConnect,
		"profile":         profile,
	})
}

// POST /api/v1/rtus/:name/connect
// Blocks until the AR is ESTABLISHED or failed.
func (s *Server) connectRTU(c *gin.Context) {
	name := c.Param("name")
	if err := s.lm.Registry().Connect(c.Request.Context(), name); err != nil {
		s.logger.Warn("Connect request failed",
			zap.String("rtu", name),
			zap.String("subject", auth.PrincipalFrom(c).Subject),
			zap.Error(err))
		respondError(c, err)
		return
	}

	snap, err := s.lm.Registry().Snapshot(name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// POST /api/v1/rtus/:name/disconnect
func (s *Server) disconnectRTU(c *gin.Context) {
	name := c.Param("name")
	if err := s.lm.Registry().Disconnect(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}

	state, err := s.lm.Registry().State(name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rtu":   name,
		"state": state,
	})
}

// PUT /api/v1/rtus/:name/mode
func (s *Server) setRunMode(c *gin.Context) {
	var req struct {
		Run *bool `json:"run" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RTU_400", "Invalid request body", err.Error()))
		return
	}

	name := c.Param("name")
	if err := s.lm.Registry().SetRunMode(name, *req.Run); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rtu": name,
		"run": *req.Run,
	})
}

// GET /api/v1/rtus/:name/inputs
func (s *Server) readProcessImage(c *gin.Context) {
	region, err := s.lm.Registry().Region(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rtu":        region.RTU(),
		"submodules": region.Values(),
		"timestamp":  time.Now().Unix(),
	})
}

// PUT /api/v1/rtus/:name/outputs/:slot/:subslot
func (s *Server) writeOutput(c *gin.Context) {
	slot, err1 := strconv.ParseUint(c.Param("slot"), 0, 16)
	subslot, err2 := strconv.ParseUint(c.Param("subslot"), 0, 16)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("IMAGE_400", "Invalid slot or subslot", nil))
		return
	}

	// value ist base64, wie in GET /inputs
	var req struct {
		Value []byte `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("IMAGE_400", "Invalid request body", err.Error()))
		return
	}

	region, err := s.lm.Registry().Region(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := region.WriteOutput(uint16(slot), uint16(subslot), req.Value); err != nil {
		if errors.Is(err, processimage.ErrUnknownSubmodule) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("IMAGE_400", "Output rejected", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rtu":     region.RTU(),
		"slot":    slot,
		"subslot": subslot,
		"value":   req.Value,
	})
}

// GET /api/v1/rtus/:name/history?limit=N
func (s *Server) getHistory(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.lm.Registry().State(name); err != nil {
		respondError(c, err)
		return
	}

	db := s.lm.Storage()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("HISTORY_503", "AR history requires database.enabled", nil))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("HISTORY_400", "limit must be between 1 and 1000", nil))
		return
	}

	transitions, err := db.ListTransitions(c.Request.Context(), name, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("HISTORY_500", "Failed to load history", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rtu":         name,
		"transitions": transitions,
		"count":       len(transitions),
	})
}

type rtuRequest struct {
	Name          string `json:"name" binding:"required"`
	StationName   string `json:"station_name"`
	MAC           string `json:"mac" binding:"required"`
	IP            string `json:"ip" binding:"required"`
	VendorID      uint16 `json:"vendor_id"`
	DeviceID      uint16 `json:"device_id"`
	InstanceID    uint16 `json:"instance_id"`
	Profile       string `json:"profile" binding:"required"`
	InputFrameID  uint16 `json:"input_frame_id"`
	OutputFrameID uint16 `json:"output_frame_id"`
	AutoConnect   bool   `json:"auto_connect"`
}

// POST /api/v1/rtus
// Registers an RTU at runtime and stores it when the database is enabled.
func (s *Server) createRTU(c *gin.Context) {
	var req rtuRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RTU_400", "Invalid request body", err.Error()))
		return
	}

	desc, err := config.RTUConfig(req).Descriptor()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RTU_400", "Invalid RTU", err.Error()))
		return
	}

	registry := s.lm.Registry()
	if err := registry.Register(desc); err != nil {
		if errors.Is(err, devices.ErrRTUExists) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RTU_400", "RTU rejected", err.Error()))
		return
	}

	persisted := false
	if db := s.lm.Storage(); db != nil {
		if _, err := db.SaveOrUpdateRTU(c.Request.Context(), desc); err != nil {
			s.logger.Error("Failed to store RTU", zap.String("rtu", desc.Name), zap.Error(err))
			registry.Remove(c.Request.Context(), desc.Name)
			respondError(c, err)
			return
		}
		persisted = true
	}

	snap, err := registry.Snapshot(desc.Name)
	if err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("RTU created",
		zap.String("rtu", desc.Name),
		zap.String("subject", auth.PrincipalFrom(c).Subject),
		zap.Bool("persisted", persisted))

	c.JSON(http.StatusCreated, gin.H{
		"rtu":       snap,
		"persisted": persisted,
	})
}

// DELETE /api/v1/rtus/:name
// Config file RTUs come back on the next start.
func (s *Server) deleteRTU(c *gin.Context) {
	name := c.Param("name")
	if err := s.lm.Registry().Remove(c.Request.Context(), name); err != nil && errors.Is(err, devices.ErrUnknownRTU) {
		respondError(c, err)
		return
	} else if err != nil {
		s.logger.Warn("Release on delete failed", zap.String("rtu", name), zap.Error(err))
	}

	if db := s.lm.Storage(); db != nil {
		if err := db.DeleteRTU(c.Request.Context(), name); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			respondError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"rtu":     name,
		"deleted": true,
	})
}
