// Package server implements the agentd HTTP API.
//
// The API has two surfaces:
//
//   - The remote agent protocol: JSON request/response endpoints under
//     /session for creating sessions, sending prompts, polling output
//     and destroying sessions. Prompt execution is asynchronous; the
//     message endpoint accepts the prompt and returns immediately,
//     clients follow progress through the output endpoints.
//
//   - The live view protocol: Server-Sent Events streams. Each session
//     exposes /session/{id}/events, which replays buffered output from
//     a client-supplied cursor and then follows live events with no
//     gap between the two. /event is the cross-session lifecycle feed.
//
// All endpoints except /health require a bearer token issued through
// the agentd keys CLI.
//
// Error responses share one envelope:
//
//	{"error": {"code": "BUSY", "message": "session is busy"}}
//
// Codes map onto the session manager's error taxonomy: INVALID_PATH
// and INVALID_REQUEST are 400s, NOT_FOUND is 404, BUSY and UNAVAILABLE
// are 409s, UNAUTHORIZED is 401.
package server
