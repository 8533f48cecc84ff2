// Package bakery implements Lamport's bakery algorithm for mutual exclusion
// over a replicated document, and a monotonic counter guarded by it.
//
// # Document
//
// Every participant owns a customer record holding its ticket and its view
// of every other participant's ticket. The document also carries the shared
// counter (output) and, per participant, the last counter value it has
// acknowledged (output_seen). Tickets and views start at Sentinel so that
// nobody can enter before every participant has come online and reset.
//
// # Protocol
//
// A cycle has three phases, each ending in a wait on peer acknowledgment:
//
//  1. Acquire: take a ticket one higher than any ticket held, wait until
//     every peer's view of us equals it, then wait until no other
//     participant holds a lower (ticket, id) pair.
//  2. Increment: add one to output inside the critical section and wait
//     until every participant's output_seen equals the new value.
//  3. Release: set our ticket to 0 and wait until every peer's view of us
//     is 0.
//
// Waits never block on anything but document change notifications. An
// Acknowledger must run next to every Coordinator; it copies true tickets
// into the participant's views and output into its output_seen, which is
// what lets the barriers of other participants clear.
//
// # Liveness
//
// The protocol assumes every participant stays responsive. A participant
// that disappears holding a ticket blocks all others indefinitely.
package bakery
