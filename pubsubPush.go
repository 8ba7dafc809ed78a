package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"bitbucket.org/mmdatafocus/records_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		ID         string            `json:"id"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// transitionPubSubHandler receives push deliveries of transition events. Malformed payloads
// are acked with 204 so they are not retried forever; processing errors return 500 so
// Pub/Sub redelivers.
func transitionPubSubHandler(e *workflow.Engine, logger *logrus.Logger, pushTokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pushTokenHash != "" {
			token := c.Query("token")
			if token == "" {
				token = c.GetHeader("token")
			}
			if token == "" || utils.CompareSecret(pushTokenHash, token) != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server", "transitionPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server", "transitionPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var m config.TransitionEventMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server", "transitionPubSubHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}

		correlationId := m.CorrelationId
		if correlationId == "" {
			correlationId = msg.Message.ID
		}
		ctx := appctx.SetCorrelationId(c.Request.Context(), correlationId)
		fields := logrus.Fields{
			"module":         "server",
			"tenant_id":      m.TenantId,
			"entity":         m.Entity,
			"entity_id":      m.EntityId,
			"message_id":     msg.Message.ID,
			"correlation_id": correlationId,
		}

		err = e.HandleTransitionEvent(ctx, m, msg.Message.ID)
		var invalid *utils.ValidationError
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case errors.As(err, &invalid):
			logger.WithFields(fields).Warn("dropping invalid transition event: " + err.Error())
			c.Status(http.StatusNoContent)
		case errors.Is(err, workflow.ErrIdempotencyInProgress):
			logger.WithFields(fields).Info("transition event already in progress; asking for redelivery")
			c.Status(http.StatusConflict)
		default:
			logger.WithFields(fields).Error("transition event processing failed: " + err.Error())
			c.Status(http.StatusInternalServerError)
		}
	}
}
