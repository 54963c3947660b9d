// Package batch runs per-item work where one item's failure must not stop the loop.
package batch

import (
	"errors"
	"fmt"
)

// ItemError records the failure of a single item.
type ItemError struct {
	Err  error
	Item string
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Item, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// Collect calls fn for every item and gathers failures instead of returning
// early. key names an item in the returned errors.
func Collect[T any](items []T, key func(T) string, fn func(T) error) []ItemError {
	var failures []ItemError
	for _, item := range items {
		if err := fn(item); err != nil {
			failures = append(failures, ItemError{Item: key(item), Err: err})
		}
	}
	return failures
}

// Join folds collected failures into a single error, nil when there are none.
func Join(failures []ItemError) error {
	if len(failures) == 0 {
		return nil
	}
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
