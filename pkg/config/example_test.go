package config_test

import (
	"fmt"
	"os"

	"github.com/ajitpratap0/crmsync/pkg/config"
)

// ExampleNewBaseConfig demonstrates creating a new base configuration
// with default values.
func ExampleNewBaseConfig() {
	cfg := config.NewBaseConfig("crmsync")

	fmt.Printf("Store: %s\n", cfg.Store.Driver)
	fmt.Printf("Max results: %d\n", cfg.Remote.MaxResults)
	fmt.Printf("Upsert concurrency: %d\n", cfg.Performance.UpsertConcurrency)
	fmt.Printf("Request Timeout: %s\n", cfg.Timeouts.Request)

	// Output:
	// Store: memory
	// Max results: 1000
	// Upsert concurrency: 3
	// Request Timeout: 30s
}

// ExampleParse demonstrates loading configuration with environment
// variable substitution.
func ExampleParse() {
	os.Setenv("EXAMPLE_MONGO_DSN", "mongodb://localhost:27017")
	defer os.Unsetenv("EXAMPLE_MONGO_DSN")

	doc := []byte(`
store:
  driver: mongodb
  dsn: ${EXAMPLE_MONGO_DSN}
mappings:
  - remote_type: Account
    local_type: company
    fields:
      name: Name
`)

	cfg := config.NewBaseConfig("crmsync")
	if err := config.Parse(doc, cfg); err != nil {
		fmt.Println(err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println(cfg.Store.DSN)
	fmt.Println(cfg.Mappings[0].Name, cfg.Mappings[0].Fields[0].Remote)

	// Output:
	// mongodb://localhost:27017
	// Account [Name]
}
