package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/abrphome/internal/repository"
)

// ListEntities 按创建顺序获取条目的全部实体
func (h *Handler) ListEntities(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}

	entities, err := h.manager.Entities(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list entities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list entities"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entities})
}

// GetEntity 按指标键获取单个实体
func (h *Handler) GetEntity(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}

	e, err := h.entityRepo.GetByKey(c.Request.Context(), id, c.Param("key"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get entity"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": e})
}
