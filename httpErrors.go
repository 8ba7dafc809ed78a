package main

import (
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"bitbucket.org/mmdatafocus/records_backend/workflow"
	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Error              string            `json:"error"`
	Reason             string            `json:"reason,omitempty"`
	CurrentStatus      string            `json:"current_status,omitempty"`
	TargetStatus       string            `json:"target_status,omitempty"`
	AllowedTransitions []string          `json:"allowed_transitions,omitempty"`
	Fields             map[string]string `json:"fields,omitempty"`
	CorrelationId      string            `json:"correlation_id,omitempty"`
}

// statusFor maps the engine's typed errors onto HTTP.
func statusFor(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var (
		validation *utils.ValidationError
		authz      *utils.AuthorizationError
		notFound   *utils.NotFoundError
		invalid    *utils.InvalidTransitionError
		immutable  *utils.ImmutableStateError
		undeleted  *utils.DeleteRejectedError
		conflict   *utils.ConcurrencyConflictError
		stock      *utils.InsufficientStockError
		persist    *utils.PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		body.Fields = validation.Fields
		return http.StatusBadRequest, body
	case errors.As(err, &authz):
		return http.StatusForbidden, body
	case errors.As(err, &notFound):
		return http.StatusNotFound, body
	case errors.As(err, &invalid):
		body.Reason = invalid.Reason
		body.CurrentStatus = invalid.Current
		body.TargetStatus = invalid.Target
		body.AllowedTransitions = nonNil(invalid.Allowed)
		return http.StatusConflict, body
	case errors.As(err, &immutable):
		body.Reason = utils.ReasonImmutableState
		body.CurrentStatus = immutable.Status
		return http.StatusConflict, body
	case errors.As(err, &undeleted):
		body.Reason = utils.ReasonCannotDelete
		body.CurrentStatus = undeleted.Status
		return http.StatusConflict, body
	case errors.As(err, &conflict):
		body.Reason = "CONCURRENCY_CONFLICT"
		return http.StatusConflict, body
	case errors.As(err, &stock):
		body.Reason = "INSUFFICIENT_STOCK"
		return http.StatusConflict, body
	case errors.Is(err, workflow.ErrIdempotencyInProgress):
		return http.StatusConflict, body
	case errors.As(err, &persist):
		body.Error = "storage unavailable"
		return http.StatusServiceUnavailable, body
	}
	body.Error = "internal error"
	return http.StatusInternalServerError, body
}

func abortWithError(c *gin.Context, err error) {
	code, body := statusFor(err)
	body.CorrelationId = appctx.CorrelationId(c.Request.Context())
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(code, body)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
