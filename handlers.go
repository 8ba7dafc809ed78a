package main

import (
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/records_backend/activity"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/ledger"
	"bitbucket.org/mmdatafocus/records_backend/middlewares"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"bitbucket.org/mmdatafocus/records_backend/workflow"
	"github.com/gin-gonic/gin"
)

type transitionBody struct {
	TargetStatus string `json:"target_status"`
}

func actorOf(c *gin.Context) guard.Actor {
	actor, _ := middlewares.CtxActor(c.Request.Context())
	return actor
}

// recordParams reads :entity and :id.
func recordParams(c *gin.Context) (models.EntityType, int, bool) {
	t, ok := models.ParseEntityType(c.Param("entity"))
	if !ok {
		abortWithError(c, utils.NewValidationError("entity", "unknown"))
		return "", 0, false
	}
	id, ok := idParam(c, "id")
	return t, id, ok
}

func idParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		abortWithError(c, utils.NewValidationError(name, "gt"))
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		abortWithError(c, utils.NewValidationError("body", "json"))
		return false
	}
	return true
}

func transitionHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, id, ok := recordParams(c)
		if !ok {
			return
		}
		var body transitionBody
		if !bindJSON(c, &body) {
			return
		}
		res, err := e.RequestTransition(c.Request.Context(), actorOf(c), workflow.TransitionRequest{
			EntityType:   t,
			EntityId:     id,
			TargetStatus: body.TargetStatus,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func updateFieldsHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, id, ok := recordParams(c)
		if !ok {
			return
		}
		var patch map[string]any
		if !bindJSON(c, &patch) {
			return
		}
		rec, err := e.UpdateFields(c.Request.Context(), actorOf(c), t, id, patch)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	}
}

func deleteHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, id, ok := recordParams(c)
		if !ok {
			return
		}
		if _, err := e.DeleteRecord(c.Request.Context(), actorOf(c), t, id); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func redispatchHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, id, ok := recordParams(c)
		if !ok {
			return
		}
		results, err := e.Redispatch(c.Request.Context(), actorOf(c), t, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"automation_results": results})
	}
}

func timelineHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, id, ok := recordParams(c)
		if !ok {
			return
		}
		rows, err := e.Timeline(c.Request.Context(), actorOf(c), t, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"activity": rows})
	}
}

func stockHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := workflow.ParseStockOp(c.Param("op"))
		if !ok {
			abortWithError(c, utils.NewValidationError("op", "oneof"))
			return
		}
		var req ledger.Request
		if !bindJSON(c, &req) {
			return
		}
		res, err := e.Stock(c.Request.Context(), actorOf(c), op, req)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func addInvoiceItemHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var in workflow.InvoiceItemInput
		if !bindJSON(c, &in) {
			return
		}
		res, err := e.AddInvoiceItem(c.Request.Context(), actorOf(c), id, in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func createPaymentPlanHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in workflow.PaymentPlanInput
		if !bindJSON(c, &in) {
			return
		}
		plan, err := e.CreatePaymentPlan(c.Request.Context(), actorOf(c), in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"plan": plan})
	}
}

func recordPaymentHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var in workflow.PaymentInput
		if !bindJSON(c, &in) {
			return
		}
		res, err := e.RecordInstallmentPayment(c.Request.Context(), actorOf(c), id, in)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// recordActivityHandler accepts the entry even if writing it fails; activity is best effort.
func recordActivityHandler(e *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var entry activity.Entry
		if !bindJSON(c, &entry) {
			return
		}
		if err := utils.ValidateInput(entry); err != nil {
			abortWithError(c, err)
			return
		}
		e.RecordActivity(c.Request.Context(), actorOf(c), entry)
		c.Status(http.StatusAccepted)
	}
}
