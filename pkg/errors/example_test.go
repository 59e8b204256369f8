package errors_test

import (
	"fmt"

	"github.com/ajitpratap0/crmsync/pkg/errors"
)

// ExampleNew demonstrates creating typed errors.
func ExampleNew() {
	valErr := errors.New(errors.ErrorTypeValidation, "mapping has no remote type").
		WithDetail("mapping", "contacts")
	fmt.Printf("Validation error: %v\n", valErr)

	authErr := errors.Newf(errors.ErrorTypeAuthentication, "login rejected for %s", "ops@example.com")
	fmt.Printf("Auth error: %v\n", authErr)

	// Output:
	// Validation error: validation: mapping has no remote type
	// Auth error: authentication: login rejected for ops@example.com
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	limited := errors.New(errors.ErrorTypeRateLimit, "REQUEST_LIMIT_EXCEEDED")
	malformed := errors.New(errors.ErrorTypeTransform, "record has no Id")

	fmt.Println(errors.IsRetryable(limited))
	fmt.Println(errors.IsRetryable(malformed))

	// Output:
	// true
	// false
}

// Example_errorChain shows how stage errors wrap transport errors.
func Example_errorChain() {
	err := errors.New(errors.ErrorTypeConnection, "connection reset")
	err = errors.Wrap(err, errors.ErrorTypeFetch, "query contacts")

	fmt.Println(err)

	// Output:
	// fetch: query contacts: connection: connection reset
}

// ExampleIsType demonstrates checking error types across wrapped and joined errors.
func ExampleIsType() {
	authErr := errors.New(errors.ErrorTypeAuthentication, "INVALID_SESSION_ID")
	fetchErr := errors.Wrap(authErr, errors.ErrorTypeFetch, "query accounts")
	joined := errors.Join(
		errors.New(errors.ErrorTypeFetch, "query contacts"),
		fetchErr,
	)

	fmt.Printf("fetch: %v\n", errors.IsType(fetchErr, errors.ErrorTypeFetch))
	fmt.Printf("auth under fetch: %v\n", errors.IsType(fetchErr, errors.ErrorTypeAuthentication))
	fmt.Printf("auth in joined: %v\n", errors.IsType(joined, errors.ErrorTypeAuthentication))
	fmt.Printf("upsert in joined: %v\n", errors.IsType(joined, errors.ErrorTypeUpsert))

	// Output:
	// fetch: true
	// auth under fetch: true
	// auth in joined: true
	// upsert in joined: false
}
