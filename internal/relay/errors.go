package relay

import "errors"

var (
	// ErrProtocolViolation closes the offending connection. The relay does
	// not retry; the client must reconnect.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrEngineApply means update bytes were rejected by the engine. It is
	// handled like a protocol violation of the sending connection.
	ErrEngineApply = errors.New("engine rejected update")

	// ErrPersistence means the update log append failed. The update is
	// neither broadcast nor kept; only the sender is told.
	ErrPersistence = errors.New("update log append failed")

	// ErrRoomInit means the room could not be rebuilt from its log. The
	// connection attempt may be retried.
	ErrRoomInit = errors.New("room initialization failed")

	// ErrSlowConsumer is the cause recorded on connections dropped because
	// their outbound queue overflowed.
	ErrSlowConsumer = errors.New("outbound queue full")

	// ErrDocumentNotFound is returned when joining a document that does not
	// exist in the document store.
	ErrDocumentNotFound = errors.New("document not found")

	ErrRoomClosed     = errors.New("room closed")
	ErrRegistryClosed = errors.New("registry closed")
)
