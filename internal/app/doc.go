// Package app composes the prediction pipeline into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Pure data: catalog items, ledger entries, jobs
//	├── storage/            # Store interfaces plus memory/ and postgres/
//	├── queue/              # Job id queue: in-process and redisqueue/
//	├── services/           # ledger, catalog, admission, engine, predictions
//	├── events/             # Completion events and the kafka/ publisher
//	├── httpapi/            # Public REST API
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Config to process: connections, backends, HTTP
//	└── system/             # Lifecycle manager for background services
//
// # Flow
//
// A submission passes through admission, which checks the catalog and the
// owner's balance and then, in one owner-serialised unit, creates a QUEUED job
// and its debit. The job id is enqueued afterwards. Workers claim jobs with a
// lease, call the prediction engine or fall back to a seeded random walk, and
// complete the job as DONE or ERROR. The reconciler puts back anything the
// queue lost or a crashed worker left behind.
//
// # Dependency Direction
//
//	cmd/{server,worker,migrate}
//	      │
//	      ▼
//	internal/app/runtime ──► internal/config
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► services ──► storage, queue, events, domain
//	      └──► system
package app
