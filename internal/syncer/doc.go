// Package syncer replicates documents between repos over long-lived gRPC
// streams.
//
// Each stream starts with a hello frame in both directions naming the
// sender, after which either side sends sync frames, each carrying one
// automerge sync message for a document. Frames are JSON encoded through a
// registered gRPC codec, so no generated code is involved.
//
// The automerge sync protocol needs every message delivered in order, so
// outbound frames are queued per session and never coalesced, and all
// frames to one peer travel on a single stream even when both sides have
// dialed each other.
//
// Dialing retries without limit until the first stream is up and then
// reconnects in the background whenever the stream drops. The local repo
// is told when a peer gains its first stream, which restarts the sync
// exchange for every open document, and when it loses its last one.
package syncer
