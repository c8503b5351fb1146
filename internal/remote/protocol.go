// Package remote is the server side of the executor protocol: it keeps the
// table of connected executor processes and dispatches shell commands and
// files to them over their websocket.
//
// Frames are UTF-8 text except file chunks. A command is the text frame
// "COMMAND" followed by the command text. A file is "FILE", the file name,
// binary chunks and a binary "EOF". Each request is answered by exactly one
// text frame, normally JSON {"status_code": n, "content": "..."}.
package remote

import (
	"encoding/json"

	"github.com/spboyer/agentsphere/internal/models"
)

const (
	MarkerCommand = "COMMAND"
	MarkerFile    = "FILE"
	MarkerEOF     = "EOF"

	// FileChunkSize is the payload size of one binary file frame.
	FileChunkSize = 1024
)

// Status codes of results synthesized by the server.
const (
	StatusNoReceiver = 404
	StatusNoAck      = 500
)

const (
	noReceiverMessage = "No receiver found for the provided token. No Command execution possible. Do not try again"
	connLostMessage   = "No acknowledgment from client"
)

func noReceiver() models.CommandResult {
	return models.CommandResult{StatusCode: StatusNoReceiver, Content: noReceiverMessage}
}

func connectionLost() models.CommandResult {
	return models.CommandResult{StatusCode: StatusNoAck, Content: connLostMessage}
}

// DecodeResult parses an executor reply. Replies that are not a JSON result
// object are returned verbatim as content with status 0.
func DecodeResult(data []byte) models.CommandResult {
	var wire struct {
		StatusCode *int   `json:"status_code"`
		Content    string `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil || wire.StatusCode == nil {
		return models.CommandResult{Content: string(data)}
	}
	return models.CommandResult{StatusCode: *wire.StatusCode, Content: wire.Content}
}

// EncodeResult renders a result as the JSON reply frame.
func EncodeResult(r models.CommandResult) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// CommandResult has only string and int fields
		panic(err)
	}
	return data
}
