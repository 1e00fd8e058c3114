package relay

// Custom WebSocket close codes used by the room socket.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
)
