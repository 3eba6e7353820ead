package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/collab"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/httpapi/middleware"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/presence"
)

type PresenceReader interface {
	GetActiveUsers(ctx context.Context, graphID string) ([]entity.UserPresence, error)
	Lookup(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error)
}

type Coordinator interface {
	GetOperationHistory(ctx context.Context, graphID string, fromVersion, toVersion uint64) ([]entity.AppliedOp, error)
	CurrentVersion(ctx context.Context, graphID string) (uint64, error)
	Snapshot(ctx context.Context, graphID string) (*collab.Snapshot, error)
	GraphLocks(ctx context.Context, graphID string) ([]entity.GraphLock, error)
	EntityLocks(ctx context.Context, graphID string, et ot.EntityType, entityID string) ([]entity.GraphLock, error)
	AcquireLock(ctx context.Context, req collab.LockRequest) (*entity.GraphLock, error)
	ReleaseLock(ctx context.Context, lockID, userID string) error
}

type ActivityReader interface {
	Recent(ctx context.Context, graphID string, limit int) ([]entity.GraphActivity, error)
}

// GraphHandler serves the read side of a graph and lock management over
// HTTP. Activity is optional.
type GraphHandler struct {
	presence PresenceReader
	coord    Coordinator
	activity ActivityReader
}

func NewGraphHandler(p PresenceReader, c Coordinator, a ActivityReader) *GraphHandler {
	return &GraphHandler{presence: p, coord: c, activity: a}
}

// Register mounts the routes on an authenticated group.
func (h *GraphHandler) Register(g *gin.RouterGroup) {
	g.GET("/graphs/:graphId/presence", h.Presence)
	g.GET("/graphs/:graphId/presence/:sessionId", h.Session)
	g.GET("/graphs/:graphId/history", h.History)
	g.GET("/graphs/:graphId/snapshot", h.Snapshot)
	g.GET("/graphs/:graphId/activity", h.Activity)
	g.GET("/graphs/:graphId/locks", h.GraphLocks)
	g.GET("/graphs/:graphId/locks/:entityType/:entityId", h.EntityLocks)
	g.POST("/graphs/:graphId/locks", h.AcquireLock)
	g.DELETE("/locks/:lockId", h.ReleaseLock)
}

func (h *GraphHandler) Presence(c *gin.Context) {
	users, err := h.presence.GetActiveUsers(c.Request.Context(), c.Param("graphId"))
	if err != nil {
		abort(c, err)
		return
	}
	if users == nil {
		users = []entity.UserPresence{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// Session returns the caller's own presence for one session.
func (h *GraphHandler) Session(c *gin.Context) {
	p, err := h.presence.Lookup(c.Request.Context(), entity.PresenceKey{
		UserID:    c.GetString(middleware.KeyUserID),
		GraphID:   c.Param("graphId"),
		SessionID: c.Param("sessionId"),
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// History serves ?from=&to=, both optional; to=0 means latest.
func (h *GraphHandler) History(c *gin.Context) {
	from, err := queryUint(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": "from must be a version number"})
		return
	}
	to, err := queryUint(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": "to must be a version number"})
		return
	}
	if to != 0 && to < from {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": "to is before from"})
		return
	}
	ctx := c.Request.Context()
	graphID := c.Param("graphId")
	ops, err := h.coord.GetOperationHistory(ctx, graphID, from, to)
	if err != nil {
		abort(c, err)
		return
	}
	current, err := h.coord.CurrentVersion(ctx, graphID)
	if err != nil {
		abort(c, err)
		return
	}
	if ops == nil {
		ops = []entity.AppliedOp{}
	}
	c.JSON(http.StatusOK, gin.H{"graphId": graphID, "currentVersion": current, "operations": ops})
}

func (h *GraphHandler) Snapshot(c *gin.Context) {
	snap, err := h.coord.Snapshot(c.Request.Context(), c.Param("graphId"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *GraphHandler) Activity(c *gin.Context) {
	if h.activity == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "ACTIVITY_DISABLED"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": "limit must be 1-500"})
		return
	}
	rows, err := h.activity.Recent(c.Request.Context(), c.Param("graphId"), limit)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": rows})
}

func (h *GraphHandler) GraphLocks(c *gin.Context) {
	locks, err := h.coord.GraphLocks(c.Request.Context(), c.Param("graphId"))
	if err != nil {
		abort(c, err)
		return
	}
	if locks == nil {
		locks = []entity.GraphLock{}
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

func (h *GraphHandler) EntityLocks(c *gin.Context) {
	locks, err := h.coord.EntityLocks(c.Request.Context(), c.Param("graphId"), ot.EntityType(c.Param("entityType")), c.Param("entityId"))
	if err != nil {
		abort(c, err)
		return
	}
	if locks == nil {
		locks = []entity.GraphLock{}
	}
	c.JSON(http.StatusOK, gin.H{"locked": len(locks) > 0, "locks": locks})
}

type acquireReq struct {
	EntityType ot.EntityType   `json:"entityType" binding:"required"`
	EntityID   string          `json:"entityId" binding:"required"`
	LockType   entity.LockType `json:"lockType" binding:"required"`
	TTLSeconds int             `json:"ttlSeconds"`
	SessionID  string          `json:"sessionId"`
}

func (h *GraphHandler) AcquireLock(c *gin.Context) {
	var req acquireReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": err.Error()})
		return
	}
	l, err := h.coord.AcquireLock(c.Request.Context(), collab.LockRequest{
		GraphID:    c.Param("graphId"),
		UserID:     c.GetString(middleware.KeyUserID),
		SessionID:  req.SessionID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		LockType:   req.LockType,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	var lce *collab.LockConflictError
	if errors.As(err, &lce) {
		c.JSON(http.StatusConflict, gin.H{"code": "LOCK_CONFLICT", "holder": lce.Holder})
		return
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *GraphHandler) ReleaseLock(c *gin.Context) {
	if err := h.coord.ReleaseLock(c.Request.Context(), c.Param("lockId"), c.GetString(middleware.KeyUserID)); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryUint(c *gin.Context, key string) (uint64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func abort(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, ot.ErrValidation):
		status, code = http.StatusBadRequest, ot.ErrValidation.Error()
	case errors.Is(err, collab.ErrLockConflict):
		status, code = http.StatusConflict, collab.ErrLockConflict.Error()
	case errors.Is(err, collab.ErrLockNotFound):
		status, code = http.StatusNotFound, collab.ErrLockNotFound.Error()
	case errors.Is(err, collab.ErrNotLockHolder):
		status, code = http.StatusForbidden, collab.ErrNotLockHolder.Error()
	case errors.Is(err, presence.ErrUnknownSession):
		status, code = http.StatusNotFound, presence.ErrUnknownSession.Error()
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"code": code})
		return
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}
