// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"

	"orb-trader/internal/models"
)

// Standard sentinel errors
var (
	ErrEmptySeries      = errors.New("empty bar series")
	ErrInvalidBar       = errors.New("invalid bar")
	ErrStreamClosed     = errors.New("live stream closed")
	ErrUnsubscribed     = errors.New("subscription released")
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotConnected     = errors.New("not connected")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrInvalidDuration  = errors.New("invalid duration")
)

// Data source operations reported in DataSourceError.
const (
	OpConnect = "connect"
	OpFetch   = "fetch"
	OpStream  = "stream"
)

// DataSourceError represents a failure talking to the market-data provider.
type DataSourceError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *DataSourceError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("data source error [%s]: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("data source error [%s] %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *DataSourceError) Unwrap() error {
	return e.Err
}

// NewDataSourceError creates a new DataSourceError.
func NewDataSourceError(op, symbol string, err error) *DataSourceError {
	return &DataSourceError{
		Op:     op,
		Symbol: symbol,
		Err:    err,
	}
}

// InvalidBarError reports a malformed bar on a live stream.
type InvalidBarError struct {
	Symbol string
	Field  string
	Bar    models.Bar
}

func (e *InvalidBarError) Error() string {
	return fmt.Sprintf("invalid bar for %s: bad %s at %s", e.Symbol, e.Field, e.Bar.Timestamp.Format("15:04:05"))
}

func (e *InvalidBarError) Unwrap() error {
	return ErrInvalidBar
}

// NewInvalidBarError creates a new InvalidBarError.
func NewInvalidBarError(symbol, field string, bar models.Bar) *InvalidBarError {
	return &InvalidBarError{
		Symbol: symbol,
		Field:  field,
		Bar:    bar,
	}
}

// Phases a symbol task can fail in.
const (
	PhaseFetch   = "fetch"
	PhaseMonitor = "monitor"
	PhaseRecord  = "record"
)

// SymbolError is the per-symbol failure record produced at a task boundary.
type SymbolError struct {
	Symbol string
	Phase  string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Symbol, e.Phase, e.Err)
}

func (e *SymbolError) Unwrap() error {
	return e.Err
}

// NewSymbolError creates a new SymbolError.
func NewSymbolError(symbol, phase string, err error) *SymbolError {
	return &SymbolError{
		Symbol: symbol,
		Phase:  phase,
		Err:    err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
