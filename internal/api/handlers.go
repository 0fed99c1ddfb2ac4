package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"servicedesk-notification/internal/delivery"
	"servicedesk-notification/internal/escalation"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/notification"
	"servicedesk-notification/internal/store"
)

type Handler struct {
	store    store.Store
	svc      *notification.Service
	esc      *escalation.Manager
	ws       *delivery.WebSocketManager
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

func NewHandler(st store.Store, svc *notification.Service, esc *escalation.Manager, ws *delivery.WebSocketManager, logger *logging.Logger) *Handler {
	return &Handler{
		store:  st,
		svc:    svc,
		esc:    esc,
		ws:     ws,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ---- Event ingestion ----

func (h *Handler) IngestEvent(c *gin.Context) {
	var event models.NotificationEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := event.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	h.svc.QueueEvent(event, "api")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// ---- Filter rules ----

func (h *Handler) CreateFilterRule(c *gin.Context) {
	var r models.FilterRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.ID = uuid.New().String()
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	if err := h.store.CreateFilterRule(c.Request.Context(), r); err != nil {
		h.logger.Errorf("Create filter rule failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Infof("Created filter rule %s (%s)", r.ID, r.Name)
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListFilterRules(c *gin.Context) {
	rules, err := h.store.ListFilterRules(c.Request.Context())
	if err != nil {
		h.logger.Errorf("List filter rules failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *Handler) GetFilterRule(c *gin.Context) {
	r, err := h.store.GetFilterRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFoundOr500(c, err, "filter rule")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateFilterRule(c *gin.Context) {
	var r models.FilterRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.ID = c.Param("id")
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateFilterRule(c.Request.Context(), r); err != nil {
		h.notFoundOr500(c, err, "filter rule")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) DisableFilterRule(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DisableFilterRule(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "filter rule")
		return
	}
	h.logger.Infof("Disabled filter rule %s", id)
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// ---- Batch configurations ----

func (h *Handler) CreateBatchConfig(c *gin.Context) {
	var cfg models.BatchConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = uuid.New().String()
	cfg.CreatedAt = time.Now().UTC()
	cfg.UpdatedAt = cfg.CreatedAt
	if err := h.store.CreateBatchConfig(c.Request.Context(), cfg); err != nil {
		h.logger.Errorf("Create batch config failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Infof("Created batch config %s for key %s", cfg.ID, cfg.BatchKey)
	c.JSON(http.StatusCreated, cfg)
}

func (h *Handler) ListBatchConfigs(c *gin.Context) {
	configs, err := h.store.ListBatchConfigs(c.Request.Context())
	if err != nil {
		h.logger.Errorf("List batch configs failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (h *Handler) GetBatchConfig(c *gin.Context) {
	cfg, err := h.store.GetBatchConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFoundOr500(c, err, "batch config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) UpdateBatchConfig(c *gin.Context) {
	var cfg models.BatchConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = c.Param("id")
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateBatchConfig(c.Request.Context(), cfg); err != nil {
		h.notFoundOr500(c, err, "batch config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) DisableBatchConfig(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DisableBatchConfig(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "batch config")
		return
	}
	h.logger.Infof("Disabled batch config %s", id)
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// ---- Batches ----

func (h *Handler) GetBatch(c *gin.Context) {
	b, err := h.store.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFoundOr500(c, err, "batch")
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBatchesByStatus(c *gin.Context) {
	status := c.DefaultQuery("status", models.BatchStatusPending)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	batches, err := h.store.ListBatchesByStatus(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Errorf("List batches failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, batches)
}

// ---- Escalation rules ----

func (h *Handler) CreateEscalationRule(c *gin.Context) {
	var r models.EscalationRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.ID = uuid.New().String()
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	if err := h.store.CreateEscalationRule(c.Request.Context(), r); err != nil {
		h.logger.Errorf("Create escalation rule failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Infof("Created escalation rule %s (%s)", r.ID, r.Name)
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListEscalationRules(c *gin.Context) {
	rules, err := h.store.ListActiveEscalationRules(c.Request.Context())
	if err != nil {
		h.logger.Errorf("List escalation rules failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *Handler) GetEscalationRule(c *gin.Context) {
	r, err := h.store.GetEscalationRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFoundOr500(c, err, "escalation rule")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateEscalationRule(c *gin.Context) {
	var r models.EscalationRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.ID = c.Param("id")
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateEscalationRule(c.Request.Context(), r); err != nil {
		h.notFoundOr500(c, err, "escalation rule")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) DisableEscalationRule(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DisableEscalationRule(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "escalation rule")
		return
	}
	h.logger.Infof("Disabled escalation rule %s", id)
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// ---- Escalation instances ----

func (h *Handler) GetEscalationInstance(c *gin.Context) {
	inst, err := h.store.GetEscalationInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFoundOr500(c, err, "escalation instance")
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) ListEscalationsBySubject(c *gin.Context) {
	subjectID, err := strconv.ParseInt(c.Param("subject_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subject_id"})
		return
	}
	instances, err := h.store.ListEscalationInstancesBySubject(c.Request.Context(), subjectID)
	if err != nil {
		h.logger.Errorf("List escalations for subject %d failed: %v", subjectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (h *Handler) CancelEscalation(c *gin.Context) {
	id := c.Param("id")
	if err := h.esc.Cancel(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "escalation instance")
		return
	}
	h.logger.Infof("Cancelled escalation instance %s", id)
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ---- WebSocket ----

// RegisterWebSocket upgrades the connection and keeps it registered until
// the client disconnects.
func (h *Handler) RegisterWebSocket(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed for user %d: %v", userID, err)
		return
	}
	if !h.ws.AddConnection(userID, conn) {
		conn.Close()
		return
	}
	go func() {
		defer func() {
			h.ws.RemoveConnection(userID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Handler) notFoundOr500(c *gin.Context, err error, entity string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": entity + " not found"})
		return
	}
	h.logger.Errorf("%s lookup failed: %v", entity, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
