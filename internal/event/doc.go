// Package event provides the notice bus the engine publishes on.
//
// Collections are observed through their stores; the bus carries the
// things that are not collection state: reconnects, invalidations, jobs
// reaching a terminal status, rejected commands and dropped envelopes.
// The CLI's watch command and tests subscribe to it.
//
// # Main Types
//
//   - [Event]: EventType() and Timestamp()
//   - [Bus]: synchronous, panic-safe pub-sub dispatcher
//   - [Handler]: func(Event)
package event
