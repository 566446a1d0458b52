// Package watch is the polling scheduler and change-notification engine.
//
// An Engine owns a subscriber Registry, a self-rescheduling Scheduler and a
// domain Strategy. Each tick fetches the union of watched items once, builds an
// immutable Snapshot and dispatches it to every subscriber's reaction, which
// diffs that subscriber's items and reports invalid and triggered ones.
//
// Storage, the data source and message delivery are collaborators behind the
// ItemStore, DataSource and Notifier interfaces.
package watch
