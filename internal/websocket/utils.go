package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// WriteTimeout bounds every write on a connection.
const WriteTimeout = 10 * time.Second

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadMessage reads the next data frame, failing if none arrives within
// timeout.
func ReadMessage(conn *websocket.Conn, timeout time.Duration) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	return data, err
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	return conn.ReadJSON(v)
}

// CloseGracefully sends a normal close frame and closes the connection.
func CloseGracefully(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
