package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConn_WriteTextAndPeerReceives(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	defer conn.Close()

	done := make(chan struct{})
	var got MessageType
	var gotData []byte
	go func() {
		defer close(done)
		r := newTestFrameReader(peer)
		mt, data, err := r.readMessage()
		if err == nil {
			got, gotData = mt, data
		}
	}()

	require.NoError(t, conn.WriteText("hello"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer to observe the message")
	}
	require.Equal(t, TextMessage, got)
	require.Equal(t, "hello", string(gotData))
}

func TestConn_ReadDeliversMessageFromPeer(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	defer conn.Close()

	go func() {
		mask := [4]byte{1, 2, 3, 4}
		frame := EncodeFrameForTest(OpcodeTextForTest, []byte("from peer"), true, 0, &mask, true)
		_, _ = peer.Write(frame)
	}()

	text, err := conn.ReadText()
	require.NoError(t, err)
	require.Equal(t, "from peer", text)
}

func TestConn_ReadJSON(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	defer conn.Close()

	type payload struct {
		Name string `json:"name"`
	}

	go func() {
		mask := [4]byte{5, 6, 7, 8}
		frame := EncodeFrameForTest(OpcodeTextForTest, []byte(`{"name":"ada"}`), true, 0, &mask, true)
		_, _ = peer.Write(frame)
	}()

	var p payload
	require.NoError(t, conn.ReadJSON(&p))
	require.Equal(t, "ada", p.Name)
}

func TestConn_CloseIsIdempotentAndUnblocksRead(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	go func() {
		// Drain whatever the close handshake writes so Close doesn't
		// block forever on an unread pipe.
		buf := make([]byte, 256)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close()) // second call is a no-op

	_, _, err := conn.Read()
	require.ErrorIs(t, err, ErrClosed)
}

func TestConn_WriteRejectsControlMessageTypes(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	defer conn.Close()
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	err := conn.Write(MessageType(0), []byte("x"))
	require.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestConn_PingPeerReceivesFrame(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	defer conn.Close()

	frames := make(chan byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, err := peer.Read(buf)
		if err == nil && n > 0 {
			frames <- buf[0] & 0x0f
		}
	}()

	require.NoError(t, conn.Ping([]byte("hi")))

	select {
	case opcode := <-frames:
		require.EqualValues(t, OpcodePingForTest, opcode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping frame")
	}
}

func TestConn_PingRejectsOversizedPayload(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	defer conn.Close()
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	err := conn.Ping(make([]byte, 200))
	require.ErrorIs(t, err, ErrControlTooLarge)
}

func TestConn_ID(t *testing.T) {
	conn, peer := NewConnPairForTest(RoleServer, nil)
	defer conn.Close()
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	require.NotEmpty(t, conn.ID())
}
