package daemon

import "fmt"

// JSON-RPC 2.0 method names served on the control socket.
const (
	MethodPing     = "ping"
	MethodStatus   = "status"
	MethodSearch   = "search"
	MethodSignal   = "signal"
	MethodSnapshot = "snapshot"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes for daemon-specific errors.
const (
	ErrCodeUnknownArea    = -32001
	ErrCodeSearchFailed   = -32002
	ErrCodeSnapshotFailed = -32003
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      string `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// SearchParams are the parameters for the search method.
type SearchParams struct {
	// Query is a match query against document content (required).
	Query string `json:"query"`

	// Area restricts hits to one area (optional).
	Area string `json:"area,omitempty"`

	// Limit is the maximum number of results (default: 10).
	Limit int `json:"limit,omitempty"`
}

// Validate checks that required fields are present.
func (p *SearchParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	return nil
}

// SearchResult is a single search hit.
type SearchResult struct {
	Area  string  `json:"area"`
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// SignalParams are the parameters for the signal method. An empty Area
// signals every observer.
type SignalParams struct {
	Area       string `json:"area,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Reset      bool   `json:"reset,omitempty"`
}

// SignalResult reports which observers were woken.
type SignalResult struct {
	Areas []string `json:"areas"`
}

// SnapshotResult is the response to a snapshot request.
type SnapshotResult struct {
	Taken bool `json:"taken"`
}

// AreaStatus is the progress of one area.
type AreaStatus struct {
	Area             string `json:"area"`
	Watermark        int64  `json:"watermark"`
	LatestGeneration int64  `json:"latest_generation"`
	Initialized      bool   `json:"initialized"`
	Creates          int64  `json:"creates"`
	Updates          int64  `json:"updates"`
	Deletes          int64  `json:"deletes"`
	Faults           int64  `json:"faults"`
	Excluded         int64  `json:"excluded"`
	RowErrors        int64  `json:"row_errors"`
	LastPass         string `json:"last_pass,omitempty"`
}

// StatusResult contains daemon status information.
type StatusResult struct {
	Running     bool         `json:"running"`
	PID         int          `json:"pid"`
	Uptime      string       `json:"uptime"`
	Initialized bool         `json:"initialized"`
	Restored    string       `json:"restored_snapshot,omitempty"`
	Documents   uint64       `json:"documents"`
	Areas       []AreaStatus `json:"areas"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}
