// Package nebula provides incremental extractors for SaaS APIs and Kafka.
//
// Every connector reads only what changed since its last successful run.
// Cursor state is persisted per source stream and committed only after the
// stream's records reached the destination, so an interrupted run resumes
// where the last committed one stopped.
//
// # Architecture
//
// A run flows through a small set of shared layers:
//
// 1. Fetch layer (pkg/clients): HTTP requests with authentication, rate
// limiting and retry with Retry-After aware backoff. Failures are typed
// errors (pkg/errors).
//
// 2. Pagination (pkg/paginate): link and offset paginators yielding items
// lazily as iterators.
//
// 3. Incremental state (pkg/incremental, pkg/state): typed cursors tracking
// a watermark inside a per-stream state bag, stored in memory, bbolt or
// Postgres.
//
// 4. Windows (pkg/window) and offsets (pkg/offsets): date windows fetched
// sequentially or in parallel, and Kafka partition offsets bounded by the
// high watermark snapshotted at the start of a run.
//
// 5. Connectors (pkg/connector/sources): each source exposes named
// resources (streams) that the runner (internal/pipeline) drives into a
// destination (pkg/connector/destinations).
//
// # Quick Start
//
//	name: marketing
//	sources:
//	  - name: slack
//	    type: slack
//	    security:
//	      credentials:
//	        access_token: ${SLACK_TOKEN}
//	    incremental:
//	      start_date: "2024-01-01"
//	state:
//	  driver: bolt
//	  path: ./state.db
//	destination:
//	  type: jsonl
//	  path: ./output
//	  compression: zstd
//
//	nebula-connectors run --config pipeline.yaml --streams channels,messages
//	nebula-connectors state show slack/messages
//
// # Connectors
//
// Sources: appstore, github, kafka, klaviyo, linkedin_ads, mailchimp,
// mixpanel, pipedrive, revenuecat, slack. Destinations: jsonl.
//
// # Observability
//
// Logs are structured zap JSON on stderr. Prometheus counters for requests,
// retries, records, windows and skipped messages are served with
// --metrics-addr, and --trace exports otel spans for every stream and
// request.
package nebula
