package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-proctor/internal/exam"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Writer serializes writes to a connection. gorilla allows one concurrent writer.
type Writer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWriter(conn *websocket.Conn) *Writer {
	return &Writer{conn: conn}
}

// WriteTyped sends a strongly-typed payload.
func (w *Writer) WriteTyped(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// WriteIntent sends a session intent as an event named after its kind.
func (w *Writer) WriteIntent(in exam.Intent) error {
	return w.WriteTyped(EventEnvelope{Event: Event(in.Kind()), Data: in})
}

// WriteError sends an error event for action.
func (w *Writer) WriteError(action Action, code, message string, fields map[string]string) error {
	return w.WriteTyped(EventEnvelope{
		Event: EventError,
		Data:  ErrorData{Action: action, Code: code, Message: message, Fields: fields},
	})
}

func (w *Writer) WritePong() error {
	return w.WriteTyped(EventEnvelope{Event: EventPong})
}

// Close sends a close frame with reason and closes the connection.
func (w *Writer) Close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = w.conn.Close()
}

// ReadMessage reads one text message. It sets a read deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	return data, err
}

// Decode unmarshals an action payload into dst and validates it. A non-nil
// result maps field names to messages.
func Decode(data []byte, dst interface{}) map[string]string {
	if err := json.Unmarshal(data, dst); err != nil {
		return map[string]string{"detail": fmt.Sprintf("invalid JSON: %v", err)}
	}
	return validator.Struct(dst)
}
