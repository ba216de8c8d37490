package stratum

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestReadLinePartialFrameAcrossTwoWrites exercises the line-reader's boundary
// case: a line split across two underlying socket writes must still
// surface as exactly one readLine call's result, not two reads and not a
// merge with the next line.
func TestReadLinePartialFrameAcrossTwoWrites(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sess := newSession(serverConn)

	full := `{"method":"mining.notify","params":[]}` + "\n"
	split := len(full) / 2

	done := make(chan struct{})
	go func() {
		_, _ = clientConn.Write([]byte(full[:split]))
		time.Sleep(20 * time.Millisecond)
		_, _ = clientConn.Write([]byte(full[split:]))
		close(done)
	}()

	line, err := sess.readLine(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, full[:len(full)-1], string(line))
	<-done
}

func TestSendAssignsIncrementingIDs(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sess := newSession(serverConn)

	readCh := make(chan string, 2)
	go func() {
		buf := make([]byte, 256)
		for i := 0; i < 2; i++ {
			n, err := clientConn.Read(buf)
			if err != nil {
				return
			}
			readCh <- string(buf[:n])
		}
	}()

	id1, err := sess.send("mining.subscribe", []interface{}{})
	require.NoError(t, err)
	id2, err := sess.send("mining.authorize", []interface{}{"user", "pass"})
	require.NoError(t, err)

	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)

	<-readCh
	<-readCh
}
