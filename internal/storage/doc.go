// Package storage is the per-guild durable document store.
//
// Each guild owns one JSON document split into top-level sub-documents
// ("scheduler", "settings", ...). Subsystems mutate only their own key;
// Save rewrites the full document, so foreign keys survive untouched.
package storage
