package errors_test

import (
	stderrors "errors"
	"fmt"

	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
)

// Example demonstrates basic error creation with details.
func Example() {
	err := errors.New(errors.ErrorTypeConfig, "access_token is required").
		WithDetail("source", "slack")

	fmt.Println(err.Error())

	// Output:
	// config: access_token is required
}

// ExampleWrap shows how precondition failures keep their sentinel.
func ExampleWrap() {
	errNoReport := stderrors.New("named report not found")

	err := errors.Wrap(errNoReport, errors.ErrorTypePrecondition, "app-downloads-detailed")

	fmt.Println(errors.IsType(err, errors.ErrorTypePrecondition))
	fmt.Println(errors.Is(err, errNoReport))
	fmt.Println(errors.IsRetryable(err))

	// Output:
	// true
	// true
	// false
}
