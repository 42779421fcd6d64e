// Package stage defines the wire contract shared by every stage service
// (download, normalization, transcription) and the Client interface the
// orchestrator drives them through.
package stage
