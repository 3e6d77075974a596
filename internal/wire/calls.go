package wire

import "encoding/json"

// Channels and keys of the remote calls the client issues.
const (
	ChannelSession = "session"
	ChannelOrd     = "ord"
	ChannelTable   = "table"
	ChannelPoll    = "poll"
	ChannelSync    = "sync"
	ChannelLog     = "log"

	KeyConnect       = "connect"
	KeyDisconnect    = "disconnect"
	KeyResolve       = "resolve"
	KeyLoad          = "load"
	KeyHandleToPath  = "handleToPath"
	KeyServiceToPath = "serviceToPath"
	KeyCursor        = "cursor"
	KeyPoll          = "poll"
	KeyCommit        = "commit"
	KeyDiagnostic    = "diagnostic"
)

type ConnectRequest struct {
	Client string `json:"client,omitempty"`
}

type ConnectResponse struct {
	SessionID string          `json:"sessionId"`
	Root      json.RawMessage `json:"root"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// ResolveRequest asks the server to resolve a whole descriptor remotely.
type ResolveRequest struct {
	SessionID  string `json:"sessionId,omitempty"`
	Descriptor string `json:"ord"`
	BasePath   string `json:"base,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ResolveResponse carries an already fully resolved value. Exactly one of
// Value and Table is set.
type ResolveResponse struct {
	Value json.RawMessage `json:"value,omitempty"`
	Table *TableResult    `json:"table,omitempty"`
}

type TableColumn struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Display string `json:"display,omitempty"`
}

type TableResult struct {
	Descriptor string        `json:"ord"`
	Columns    []TableColumn `json:"columns"`
	Offset     int           `json:"offset"`
	Limit      int           `json:"limit"`
	Rows       [][]any       `json:"rows,omitempty"`
	More       bool          `json:"more,omitempty"`
	Prefetched bool          `json:"prefetched,omitempty"`
}

// PathLoad names a loaded container and the uncached remainder below it.
type PathLoad struct {
	BasePath  string `json:"basePath"`
	ChildName string `json:"childName"`
}

type LoadRequest struct {
	SessionID string     `json:"sessionId,omitempty"`
	Container string     `json:"container,omitempty"`
	Paths     []PathLoad `json:"paths"`
}

// LoadResponse is a list of encoded sync ops applied to the mirror.
type LoadResponse struct {
	Ops []json.RawMessage `json:"ops"`
}

type LookupRequest struct {
	Key string `json:"key"`
}

type LookupResponse struct {
	Path string `json:"path"`
}

type CursorRequest struct {
	SessionID  string `json:"sessionId,omitempty"`
	Descriptor string `json:"ord"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

type CursorResponse struct {
	Rows [][]any `json:"rows"`
	More bool    `json:"more,omitempty"`
}

// PollBatch is the sync ops collected for one client-side handler.
type PollBatch struct {
	Handler string            `json:"handler"`
	Ops     []json.RawMessage `json:"ops"`
}

type PollResponse struct {
	Batches []PollBatch `json:"batches"`
}

type CommitRequest struct {
	SessionID string            `json:"sessionId"`
	Ops       []json.RawMessage `json:"ops"`
}

type CommitResponse struct {
	Accepted int `json:"accepted"`
}

type DiagnosticRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}
