package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrorRecordNotFound = errors.New("record not found")

// Rejection reasons returned with transition and deletion rejections.
const (
	ReasonInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	ReasonImmutableState          = "IMMUTABLE_STATE"
	ReasonNotAStatusChange        = "NOT_A_STATUS_CHANGE"
	ReasonCannotDelete            = "CANNOT_DELETE"
)

type AuthorizationError struct {
	TenantId   string
	EntityType string
	Capability string
	Reason     string
}

func (e *AuthorizationError) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("unauthorized: %s (entity=%s capability=%s)", e.Reason, e.EntityType, e.Capability)
	}
	return "unauthorized: " + e.Reason
}

// InvalidTransitionError carries the record's current status and the statuses it may move to.
type InvalidTransitionError struct {
	EntityType string
	Current    string
	Target     string
	Allowed    []string
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s cannot move from %s to %s (allowed: %s)",
		e.Reason, e.EntityType, e.Current, e.Target, strings.Join(e.Allowed, ","))
}

type ImmutableStateError struct {
	EntityType string
	Status     string
}

func (e *ImmutableStateError) Error() string {
	return fmt.Sprintf("%s: %s is %s and can no longer be changed", ReasonImmutableState, e.EntityType, e.Status)
}

type DeleteRejectedError struct {
	EntityType string
	Status     string
}

func (e *DeleteRejectedError) Error() string {
	return fmt.Sprintf("%s: %s in status %s cannot be deleted", ReasonCannotDelete, e.EntityType, e.Status)
}

type ConcurrencyConflictError struct {
	Resource string
	Id       int
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent update conflict on %s %d after %d attempt(s)", e.Resource, e.Id, e.Attempts)
}

type InsufficientStockError struct {
	ProductId int
	Requested string
	Available string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %s, available %s", e.ProductId, e.Requested, e.Available)
}

// SideEffectError is reported in automation results. It never fails the primary write.
type SideEffectError struct {
	Action string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("automation %s failed: %v", e.Action, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Resource string
	Id       int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.Id)
}

func (e *NotFoundError) Unwrap() error { return ErrorRecordNotFound }

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

func NewValidationError(field, tag string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: tag}}
}
