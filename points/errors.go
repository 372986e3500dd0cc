/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure a caller can recover from is a sentinel (for errors.Is) and,
  where there is useful context, a structured type (for errors.As) whose
  Error() text is the human-readable reason shown to users.

ERROR CATEGORIES:
  1. Lookup errors    - NotFound, Forbidden
  2. Input errors     - InvalidRequest, InvalidAmount, InvalidPolicy
  3. Invariant errors - InsufficientPoints/Balance, OutOfStock, InvalidState, CapExceeded
  4. Store errors     - ConcurrentModification (retryable), StoreUnavailable

USAGE:
  if errors.Is(err, points.ErrOutOfStock) { ... }

  var short *points.InsufficientPointsError
  if errors.As(err, &short) {
      fmt.Println(short.Shortfall)
  }

SEE ALSO:
  - api/errors.go: HTTP status mapping
  - redemption/coordinator.go: Retry on IsRetryable
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidAmount is returned when a ledger append carries zero points.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientPoints is returned when a purchase costs more than the balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrInsufficientBalance is returned when a debit would drive the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrOutOfStock    = errors.New("out of stock")
	ErrInvalidState  = errors.New("invalid order state")
	ErrCapExceeded   = errors.New("points cap exceeded")
	ErrInvalidPolicy = errors.New("invalid reward policy")

	// ErrConcurrentModification is returned when the store detects a conflict
	// (deadlock, serialization failure). The whole transaction may be retried.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable is returned when the retry budget is exhausted or the
	// store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "driver", "item", "order", "policy"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Kind)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func DriverNotFound(id DriverID) error { return &NotFoundError{Kind: "driver", ID: string(id)} }
func ItemNotFound(id ItemID) error { return &NotFoundError{Kind: "item", ID: string(id)} }
func OrderNotFound(id OrderID) error { return &NotFoundError{Kind: "order", ID: string(id)} }
func PolicyNotFound(id SponsorID) error { return &NotFoundError{Kind: "policy", ID: string(id)} }

// ForbiddenError is returned on cross-sponsor or cross-driver access.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }
func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// RequestError describes malformed or out-of-range input.
type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string { return e.Message }
func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

// InsufficientPointsError is returned by Purchase. Shortfall is what the
// driver still needs.
type InsufficientPointsError struct {
	Balance   int64
	Cost      int64
	Shortfall int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("Need %d more points", e.Shortfall)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// InsufficientBalanceError is returned by the ledger when a debit would
// overdraw the driver.
type InsufficientBalanceError struct {
	DriverID  DriverID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("Insufficient points. Balance would be %d.", e.Available-e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type OutOfStockError struct {
	ItemID ItemID
	Title  string
}

func (e *OutOfStockError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("%s is out of stock", e.Title)
	}
	return "Item is out of stock"
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// InvalidStateError is returned for an illegal order status transition.
type InvalidStateError struct {
	OrderID OrderID
	Status  OrderStatus
	Target  OrderStatus
}

func (e *InvalidStateError) Error() string {
	verb := "cancelled"
	if e.Target == OrderShipped {
		verb = "shipped"
	}
	return fmt.Sprintf("Order is %s and cannot be %s", e.Status, verb)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// CapExceededError is returned when a sponsor addition would exceed a policy cap.
type CapExceededError struct {
	Window    string // "daily" or "monthly"
	Cap       int64
	Used      int64
	Requested int64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s cap of %d points would be exceeded (%d already added, %d requested)",
		capitalize(e.Window), e.Cap, e.Used, e.Requested)
}

func (e *CapExceededError) Unwrap() error { return ErrCapExceeded }

// PolicyError is returned when a reward policy update is rejected.
type PolicyError struct {
	Field   string
	Message string
}

func (e *PolicyError) Error() string { return e.Message }
func (e *PolicyError) Unwrap() error { return ErrInvalidPolicy }

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the transaction might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is an expected, caller-recoverable
// outcome rather than an infrastructure fault.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrForbidden, ErrInvalidRequest, ErrInvalidAmount,
		ErrInsufficientPoints, ErrInsufficientBalance, ErrOutOfStock,
		ErrInvalidState, ErrCapExceeded, ErrInvalidPolicy,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
