// Package events fans persisted job snapshots out to live subscribers.
//
// The Hub keeps a bounded, sequenced history so pollers can read
// incrementally with Since, and pushes new events to channel subscribers.
// ServeWS exposes the stream over a websocket.
package events
