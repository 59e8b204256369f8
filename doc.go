// Package crmsync keeps a local object store in step with a Salesforce org.
//
// Each run authenticates once, then moves every configured mapping through
// four stages:
//
//  1. Fetch: build a SOQL query from the mapping and page through the
//     results, incrementally from the start of the last successful run.
//  2. Transform: flatten each remote record and project it onto the
//     mapping's local fields and arrays.
//  3. Upsert: create or update local objects keyed by externalId.
//  4. Join: rewrite remote relationship ids into local object ids.
//
// A stage completes for every mapping before the next begins, so
// relationships between objects synced in the same run resolve in that run.
//
// # Layout
//
//   - cmd/crmsync: the CLI (serve, run, validate, version)
//   - internal/pipeline: the orchestrator and the four stages
//   - internal/server: the /sync trigger, /progress status and the scheduler
//   - pkg/salesforce, pkg/connection, pkg/credentials: remote access
//   - pkg/store: local object store backends (memory, mongodb, postgres, mysql)
//   - pkg/mapping, pkg/query, pkg/record: mapping model, SOQL, documents
//   - pkg/jobs, pkg/watermark: job status and run history
//   - pkg/events, pkg/archive: Kafka run events and S3 raw snapshots
//
// # Quick Start
//
//	crmsync validate --config crmsync.yaml
//	crmsync run --config crmsync.yaml
//	crmsync serve --config crmsync.yaml
//
// Then trigger a run with GET /sync and follow the redirect to /progress.
package crmsync
