package relay

// Websocket close codes used by the relay.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
	CloseDocumentDeleted = 4404
)

// Transport is one message-oriented, bidirectional peer connection.
//
// Read is only called from the connection's reader goroutine and Write only
// from its writer goroutine. Close may be called from any goroutine, at most
// once, and must unblock pending Read and Write calls. A Read error
// wrapping ErrProtocolViolation closes the connection with
// CloseProtocolError.
type Transport interface {
	Read() ([]byte, error)
	Write(msg []byte) error
	Close(code int, reason string) error
}
