package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Render errors
var (
	// ErrBudgetExceeded indicates that nothing removable is left while the prompt
	// is still over its token limit.
	ErrBudgetExceeded = errors.New("prompt: token budget exceeded")

	// ErrCancelled indicates that the render was cancelled through its context.
	ErrCancelled = errors.New("prompt: render cancelled")
)

// Template errors
var (
	// ErrInvalidTemplate is wrapped by every ValidationError.
	ErrInvalidTemplate = errors.New("prompt: invalid template")
)

// BudgetExceededError is returned when the pruner runs out of removable
// content. It carries the unpruned output for diagnostics.
type BudgetExceededError struct {
	// Path is the chain of roles/names from the root to the node whose
	// search came up empty.
	Path     []string
	Limit    int
	Tokens   int
	Messages []ChatMessage
	Metadata []Metadata
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("prompt: %d tokens still over the %d token limit with nothing left to remove under %s",
		e.Tokens, e.Limit, strings.Join(e.Path, " > "))
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// ValidationError reports a malformed template element.
type ValidationError struct {
	Element string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid <%s>: %s", e.Element, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidTemplate }

// PathError annotates an error with the authoring path of the element that
// produced it.
type PathError struct {
	Path []string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %v", strings.Join(e.Path, " > "), e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// annotate attaches path to err unless err is a cancellation or already
// carries a path.
func annotate(err error, path []string) error {
	if err == nil {
		return nil
	}
	if isCancellation(err) {
		return cancelled(err)
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return &PathError{Path: append([]string(nil), path...), Err: err}
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func cancelled(err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// checkContext returns a cancellation error once ctx is done.
func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return nil
}
