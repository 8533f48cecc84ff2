// Package cluster describes the fixed set of participants in a coordination
// session and the small HTTP/JSON surface they use to talk to each other
// outside of document replication.
//
// # Overview
//
// Membership is static for the lifetime of a session: every process is
// started with the same list of participant ids and the HTTP address each
// one serves. There is no registration or discovery.
//
//	┌──────────────┐   GET /doc-id    ┌──────────────┐
//	│ participant 2│ ───────────────► │ participant 1│
//	│              │ ◄─────────────── │ (creates doc)│
//	└──────────────┘  {document_id}   └──────────────┘
//	        │                                 ▲
//	        │        POST /increment          │
//	        └─────────────────────────────────┘
//	                  {output}
//
// # Communication Protocol
//
// Document id exchange (GET /doc-id):
//   - A joining participant asks a peer for the id of the shared document
//   - The id is then fetched through the replication layer
//
// Peer trigger (POST /increment):
//   - Asks the receiving participant to run one acquire, increment, release
//     cycle of the bakery protocol
//   - Responds with the counter value written during that cycle
//   - May block for as long as the protocol waits on peers
//
// Health (GET /health):
//   - HealthMonitor polls every peer and marks it unhealthy after three
//     consecutive failures
//   - It only reports. Membership never changes, so a peer that stays down
//     stalls every protocol barrier until it returns
//
// # Ordering
//
// Participant ids are compared as strings. Membership keeps them sorted so
// that every process iterates peers in the same order, and the bakery
// tie-break uses the same comparison.
package cluster
