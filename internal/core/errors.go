package core

import "errors"

var (
	// ErrConfig is returned when required configuration is missing or the
	// central server is unreachable with no disk snapshot to fall back on.
	// Fatal at startup.
	ErrConfig = errors.New("configuration unavailable")

	// ErrTransientSource is returned on 5xx or timeouts from a source API.
	// Retried inside the adapter; if persistent, the project is skipped.
	ErrTransientSource = errors.New("transient source failure")

	// ErrExtraction is returned when a page cannot be fetched or parsed.
	// Downgrades a single article, never a batch.
	ErrExtraction = errors.New("content extraction failed")

	// ErrModel is returned for missing or corrupt artifacts, unsupported
	// vectorizers, shape mismatches, or invalid scores. Never retried.
	ErrModel = errors.New("model failure")

	// ErrTransientPost is returned on 5xx, 408, 429 or connection errors
	// from the central server. The job is re-queued with backoff.
	ErrTransientPost = errors.New("transient post failure")

	// ErrPermanentPost is returned on any other 4xx from the central
	// server. The job is dropped; the audit row stays unposted.
	ErrPermanentPost = errors.New("permanent post rejection")

	// ErrAuditStore is returned when the database is unreachable. Workers
	// retry the whole job; schedulers abort the run.
	ErrAuditStore = errors.New("audit store unavailable")
)
