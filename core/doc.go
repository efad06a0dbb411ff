// Package core contains the canonical lead-capture domain: submissions,
// routing agents, the intake pipeline, and the sync worker. Lower-level
// adapters (stores, queues, transports, CRM clients) must depend on this
// package; core must not depend on them.
package core
