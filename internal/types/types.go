package types

// Connection is one long-lived push channel terminated by this process.
// The transport read/write pumps live in the server; everything else talks
// to the connection through its Send queue.
type Connection struct {
	// ID is the server-generated opaque connection id.
	ID string
	// UserID may be empty for transiently unauthenticated connections.
	UserID string
	// ChatID is set when the tab opened the connection scoped to a chat.
	ChatID string
	// Send is the outbound frame queue drained by the write pump. Writers
	// must never block on it; a full queue means the event is dropped for
	// this connection.
	Send chan []byte
	// CloseTransport shuts the underlying socket with a going-away status.
	// Set by the transport owner; used when the process drains on shutdown.
	CloseTransport func()
}

// NewConnection builds a connection with a buffered send queue.
func NewConnection(id, userID, chatID string) *Connection {
	return &Connection{
		ID:     id,
		UserID: userID,
		ChatID: chatID,
		Send:   make(chan []byte, 256),
	}
}

// ServerStats is the snapshot exposed by the stats endpoint.
type ServerStats struct {
	Connections      int            `json:"connections"`
	Channels         int            `json:"channels"`
	ChannelCounts    map[string]int `json:"channel_counts"`
	BridgeDelivered  uint64         `json:"bridge_delivered"`
	BridgeDropped    uint64         `json:"bridge_dropped"`
	BridgeMalformed  uint64         `json:"bridge_malformed"`
	BridgeNoListener uint64         `json:"bridge_no_listener"`
}
