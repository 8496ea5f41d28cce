// Package harvest defines the domain types shared by the extraction pipeline:
// records and item identifiers, attempt outcomes, the failure log entry, and
// the narrow interfaces the orchestrator consumes (session driver, page
// extractor, checkpoint store, notifier, clock).
//
// Concrete implementations live in sibling packages; nothing in here talks to
// a browser, a disk, or the network.
package harvest
