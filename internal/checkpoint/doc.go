// Package checkpoint persists harvested records so an interrupted run can
// resume without re-fetching items it already has.
//
// FileStore rewrites a single JSON document atomically (temp file, fsync,
// rename) after every success. The postgres subpackage offers the same
// contract backed by a table.
package checkpoint
