package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachdesk/filevault/internal/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// startFakeDaemon runs a one-shot INSTREAM endpoint that replies with
// response and sends the reassembled payload on the returned channel.
func startFakeDaemon(t *testing.T, response string) (string, <-chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	payloads := make(chan []byte, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)

		cmd, err := r.ReadString('\x00')
		if err != nil || cmd != "zINSTREAM\x00" {
			return
		}

		var payload bytes.Buffer
		for {
			var prefix [4]byte
			if _, err := io.ReadFull(r, prefix[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(prefix[:])
			if n == 0 {
				break
			}
			if _, err := io.CopyN(&payload, r, int64(n)); err != nil {
				return
			}
		}

		payloads <- payload.Bytes()
		_, _ = conn.Write(append([]byte(response), 0))
	}()

	return ln.Addr().String(), payloads
}

func TestClamdClient_Clean(t *testing.T) {
	addr, payloads := startFakeDaemon(t, "stream: OK")
	client := NewClamdClient(addr, 5*time.Second, testLogger())

	body := bytes.Repeat([]byte("payload-"), 10_000) // forces multiple chunks

	sig, err := client.Scan(context.Background(), bytes.NewReader(body))
	require.NoError(t, err)
	assert.Empty(t, sig)

	select {
	case got := <-payloads:
		assert.Equal(t, body, got, "daemon must receive the exact payload")
	case <-time.After(time.Second):
		t.Fatal("daemon never received the payload")
	}
}

func TestClamdClient_Found(t *testing.T) {
	addr, _ := startFakeDaemon(t, "stream: Eicar-Test-Signature FOUND")
	client := NewClamdClient(addr, 5*time.Second, testLogger())

	sig, err := client.Scan(context.Background(), bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "Eicar-Test-Signature", sig)
}

func TestClamdClient_UnexpectedResponse(t *testing.T) {
	addr, _ := startFakeDaemon(t, "INSTREAM size limit exceeded. ERROR")
	client := NewClamdClient(addr, 5*time.Second, testLogger())

	_, err := client.Scan(context.Background(), bytes.NewReader([]byte("x")))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDaemonUnavailable)
}

func TestClamdClient_Unreachable(t *testing.T) {
	// Grab a free port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := NewClamdClient(addr, 500*time.Millisecond, testLogger())

	_, err = client.Scan(context.Background(), bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrDaemonUnavailable)
}
