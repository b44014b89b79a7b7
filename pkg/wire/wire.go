// Package wire defines the JSON messages exchanged between the duplex
// persistence client and the thread store server.
package wire

import "encoding/json"

// Action identifies a request type on the duplex connection.
type Action string

const (
	ActionRestore Action = "restore"
	ActionSave    Action = "save"
	ActionDelete  Action = "delete"
)

// AuthRequest is the first message sent after a connection opens.
type AuthRequest struct {
	Authorization string `json:"authorization"`
}

// AuthResponse acknowledges (or rejects) an AuthRequest.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Request is a correlated operation on an authenticated connection.
// ID is a per-request correlation id, not a thread id.
type Request struct {
	Action Action          `json:"action"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response carries the outcome of the Request with the matching ID.
// For restores, Data holds the serialized envelope; an empty string
// means the thread does not exist.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ThreadRef addresses a thread in restore and delete requests.
type ThreadRef struct {
	ID string `json:"id"`
}

// SaveMode selects how a save payload is applied by the store.
type SaveMode string

const (
	// SaveModeMerge applies a list of pending operations to the stored
	// envelope without replacing it.
	SaveModeMerge SaveMode = "merge"
	// SaveModeFull replaces the stored envelope wholesale.
	SaveModeFull SaveMode = "full"
)

// SaveData is the Data of a save Request. For merge mode Payload holds
// the pending operations plus any metadata changes; for full mode it is
// the complete envelope.
type SaveData struct {
	ID      string          `json:"id"`
	Mode    SaveMode        `json:"mode"`
	Payload json.RawMessage `json:"payload"`
}
