package proto

// Version is the current version of the control channel protocol.
const Version int32 = 1

const (
	// MsgReady is sent by the new process once it has claimed the pidfile
	// and is ready to accept connections on the transferred listeners.
	MsgReady = "ready"
	// MsgSteppingDown is the old process's acknowledgement of MsgReady. It
	// is the last frame of a handover; after sending it the old process
	// drains and exits.
	MsgSteppingDown = "stepping-down"
)

// Request is the first frame a new process sends after connecting to the
// control channel. It announces who is asking for the listeners.
type Request struct {
	PID     int   `json:"pid"`
	Version int32 `json:"version"`
}

// ListenerMeta describes a single listener being transferred. The raw socket
// follows out-of-band as an SCM_RIGHTS message; this carries everything the
// receiver needs to re-associate the file descriptor with its service.
type ListenerMeta struct {
	ServiceID string `json:"service_id"`
	Network   string `json:"network"`
	Addr      string `json:"addr"`
}

// TransferHeader precedes the descriptor payload. The receiver expects
// exactly len(Listeners) SCM_RIGHTS messages after this frame.
type TransferHeader struct {
	PID       int            `json:"pid"`
	Version   int32          `json:"version"`
	Listeners []ListenerMeta `json:"listeners"`
}

// Message is a bare control message, used for the ready handshake.
type Message struct {
	Msg string `json:"msg"`
	PID int    `json:"pid,omitempty"`
}
