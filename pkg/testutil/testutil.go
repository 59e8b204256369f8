// Package testutil provides testing utilities shared by crmsync packages
package testutil

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestContext returns a context with a 30-second timeout that is cancelled
// when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// IntegrationDSN returns the connection string held in envVar. The test is
// skipped in short mode or when the variable is unset.
func IntegrationDSN(t *testing.T, envVar string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv(envVar)
	if dsn == "" {
		t.Skipf("Skipping integration test: %s is not set", envVar)
	}
	return dsn
}
