package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/langchou/abrphome/internal/repository"
	"github.com/langchou/abrphome/internal/service"
)

// createEntryRequest 创建条目请求
type createEntryRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	UserToken string `json:"user_token" binding:"required"`
}

// CreateEntry 创建配置条目。先验证凭证，验证失败时不创建条目。
func (h *Handler) CreateEntry(c *gin.Context) {
	var req createEntryRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key and user_token are required"})
		return
	}

	entry, err := h.manager.Setup(c.Request.Context(), req.APIKey, req.UserToken)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			c.JSON(http.StatusConflict, gin.H{"error": "user_token already configured"})
			return
		}
		status, reason := authStatus(err)
		h.logger.Warn("Entry setup rejected", zap.String("reason", reason), zap.Error(err))
		c.JSON(status, gin.H{"error": reason})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": entry})
}

// ListEntries 获取条目列表（凭证字段不外泄）
func (h *Handler) ListEntries(c *gin.Context) {
	entries, err := h.entryRepo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

// GetEntry 获取条目详情和轮询状态
func (h *Handler) GetEntry(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}

	entry, err := h.entryRepo.GetByID(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get entry"})
		return
	}

	resp := gin.H{"data": entry}
	if status, err := h.manager.Status(id); err == nil {
		resp["status"] = status
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteEntry 卸载条目
func (h *Handler) DeleteEntry(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}

	if err := h.manager.Remove(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
			return
		}
		h.logger.Error("Failed to remove entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove entry"})
		return
	}

	c.Status(http.StatusNoContent)
}

// TriggerPoll 手动触发一次轮询
func (h *Handler) TriggerPoll(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}

	if err := h.manager.TriggerPoll(id); err != nil {
		if errors.Is(err, service.ErrEntryNotRunning) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entry not running"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to trigger poll"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

// reauthRequest 重新认证请求
type reauthRequest struct {
	UserToken string `json:"user_token" binding:"required"`
}

// Reauth 用新的用户 Token 重新认证条目
func (h *Handler) Reauth(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}

	var req reauthRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_token is required"})
		return
	}

	entry, err := h.manager.Reauth(c.Request.Context(), id, req.UserToken)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
			return
		}
		status, reason := authStatus(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

// sendTelemetryRequest 推送遥测请求，字段范围与上游约束一致
type sendTelemetryRequest struct {
	UTC        *int64   `json:"utc"`
	SOC        *float64 `json:"soc"`
	SOH        *float64 `json:"soh"`
	Power      *float64 `json:"power"`
	Speed      *float64 `json:"speed"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Heading    *float64 `json:"heading"`
	Elevation  *float64 `json:"elevation"`
	ExtTemp    *float64 `json:"ext_temp"`
	BattTemp   *float64 `json:"batt_temp"`
	IsCharging *bool    `json:"is_charging"`
}

func (r *sendTelemetryRequest) validate() error {
	if r.SOC != nil && (*r.SOC < 0 || *r.SOC > 100) {
		return errors.New("soc must be within 0..100")
	}
	if r.SOH != nil && (*r.SOH < 0 || *r.SOH > 100) {
		return errors.New("soh must be within 0..100")
	}
	if r.Heading != nil && (*r.Heading < 0 || *r.Heading > 360) {
		return errors.New("heading must be within 0..360")
	}
	return nil
}

// tlm 组装上游遥测负载，未提供 utc 时用当前时间补齐
func (r *sendTelemetryRequest) tlm() map[string]any {
	tlm := make(map[string]any)
	if r.UTC != nil {
		tlm["utc"] = *r.UTC
	} else {
		tlm["utc"] = time.Now().Unix()
	}

	set := func(key string, v *float64) {
		if v != nil {
			tlm[key] = *v
		}
	}
	set("soc", r.SOC)
	set("soh", r.SOH)
	set("power", r.Power)
	set("speed", r.Speed)
	set("lat", r.Lat)
	set("lon", r.Lon)
	set("heading", r.Heading)
	set("elevation", r.Elevation)
	set("ext_temp", r.ExtTemp)
	set("batt_temp", r.BattTemp)
	if r.IsCharging != nil {
		tlm["is_charging"] = *r.IsCharging
	}

	return tlm
}

// SendTelemetry 向上游推送遥测数据
func (h *Handler) SendTelemetry(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}

	var req sendTelemetryRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.SendTelemetry(c.Request.Context(), id, req.tlm()); err != nil {
		if errors.Is(err, service.ErrEntryNotRunning) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entry not running"})
			return
		}
		status, reason := authStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to send telemetry", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send telemetry"})
			return
		}
		c.JSON(status, gin.H{"error": reason})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
