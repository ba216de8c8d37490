package stratum

import (
	"bufio"
	"encoding/json"
	"net"
	"time"
)

// State is a Session's position in the IDLE -> CONNECTING -> SUBSCRIBING
// -> AUTHORIZING -> READY -> CLOSED state machine. READY is
// terminal in the success sense; the only transition out of it is to
// CLOSED. Proxy-mode sessions skip SUBSCRIBING/AUTHORIZING entirely.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateAuthorizing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// readTimeout bounds a single socket read; exceeding it without any data
// fails the session with ConnectionLost.
const readTimeout = 600 * time.Second

// keepAliveInterval is how long a READY session waits since its last
// mining.subscribe before re-issuing one as a heartbeat.
const keepAliveInterval = 480 * time.Second

// session owns one TCP connection's framing state. It is never touched by
// more than one goroutine: neither the socket nor the read buffer is
// shared.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	state State

	nextID          uint64
	extranonce1     string
	extranonce2Size int
	lastKeepAlive   time.Time
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  StateConnecting,
	}
}

// readLine blocks for at most readTimeout (or less, if untilDeadline is
// smaller and positive — used to wake up early for a keep-alive check)
// and returns one '\n'-terminated line with the delimiter stripped. A
// zero-byte read (peer close) or a timeout both surface as
// ConnectionLost; a partial line across two reads is handled by
// bufio.Reader itself, so exactly one notify is ever emitted per line.
func (s *session) readLine(untilDeadline time.Duration) ([]byte, error) {
	d := readTimeout
	if untilDeadline > 0 && untilDeadline < d {
		d = untilDeadline
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	return line, nil
}

func (s *session) send(method string, params []interface{}) (uint64, error) {
	s.nextID++
	req := request{ID: s.nextID, Method: method, Params: params}
	return s.nextID, s.writeJSON(req)
}

func (s *session) writeJSON(v interface{}) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(enc); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *session) close() {
	s.state = StateClosed
	_ = s.conn.Close()
}
