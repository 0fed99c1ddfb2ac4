package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"servicedesk-notification/internal/delivery"
	"servicedesk-notification/internal/escalation"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/notification"
	"servicedesk-notification/internal/store"
)

func NewRouter(st store.Store, svc *notification.Service, esc *escalation.Manager, ws *delivery.WebSocketManager, logger *logging.Logger, basePath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	h := NewHandler(st, svc, esc, ws, logger)
	api := r.Group(basePath)
	{
		// Event ingestion
		api.POST("/events", h.IngestEvent)

		// Filter rules
		api.POST("/filter-rules", h.CreateFilterRule)
		api.GET("/filter-rules", h.ListFilterRules)
		api.GET("/filter-rules/:id", h.GetFilterRule)
		api.PUT("/filter-rules/:id", h.UpdateFilterRule)
		api.DELETE("/filter-rules/:id", h.DisableFilterRule)

		// Batch configurations
		api.POST("/batch-configs", h.CreateBatchConfig)
		api.GET("/batch-configs", h.ListBatchConfigs)
		api.GET("/batch-configs/:id", h.GetBatchConfig)
		api.PUT("/batch-configs/:id", h.UpdateBatchConfig)
		api.DELETE("/batch-configs/:id", h.DisableBatchConfig)

		// Batches
		api.GET("/batches/:id", h.GetBatch)
		api.GET("/batches", h.ListBatchesByStatus)

		// Escalation rules
		api.POST("/escalation-rules", h.CreateEscalationRule)
		api.GET("/escalation-rules", h.ListEscalationRules)
		api.GET("/escalation-rules/:id", h.GetEscalationRule)
		api.PUT("/escalation-rules/:id", h.UpdateEscalationRule)
		api.DELETE("/escalation-rules/:id", h.DisableEscalationRule)

		// Escalation instances
		api.GET("/escalations/:id", h.GetEscalationInstance)
		api.GET("/escalations/subject/:subject_id", h.ListEscalationsBySubject)
		api.POST("/escalations/:id/cancel", h.CancelEscalation)

		// Live notifications
		api.GET("/ws/:user_id", h.RegisterWebSocket)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
