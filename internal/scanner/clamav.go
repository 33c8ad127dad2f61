package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/coachdesk/filevault/internal/logging"
)

// Wire contract: one persistent TCP connection per scan; the request is the
// literal start command terminated by NUL, then the payload as a sequence of
// (4-byte big-endian length, chunk) pairs, terminated by a zero-length
// chunk; the response is a single NUL-terminated text line, either
// "stream: OK" or "stream: <signature> FOUND".
const (
	instreamCommand = "zINSTREAM\x00"
	streamChunkSize = 32 << 10
)

var foundPattern = regexp.MustCompile(`^stream: (.+) FOUND$`)

// ClamdClient talks to a clamd-compatible scanning daemon over TCP.
type ClamdClient struct {
	addr    string
	timeout time.Duration
	logger  logging.Logger
}

func NewClamdClient(addr string, timeout time.Duration, logger logging.Logger) *ClamdClient {
	return &ClamdClient{
		addr:    addr,
		timeout: timeout,
		logger:  logger.With("component", "clamd"),
	}
}

// Scan streams r to the daemon and returns the matched signature, or "" for
// a clean verdict. Dial failures wrap ErrDaemonUnavailable so callers can
// tell unavailability apart from a verdict. Both the dial and all I/O are
// bounded by the configured timeout (tightened by the context deadline).
func (c *ClamdClient) Scan(ctx context.Context, r io.Reader) (string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", ErrDaemonUnavailable, c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := io.WriteString(conn, instreamCommand); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	if err := writeChunks(conn, r); err != nil {
		return "", err
	}

	return readVerdict(conn)
}

func writeChunks(conn net.Conn, r io.Reader) error {
	buf := make([]byte, streamChunkSize)
	var prefix [4]byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, werr := conn.Write(prefix[:]); werr != nil {
				return fmt.Errorf("send chunk length: %w", werr)
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("send chunk: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}

	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := conn.Write(prefix[:]); err != nil {
		return fmt.Errorf("send terminator: %w", err)
	}
	return nil
}

func readVerdict(conn net.Conn) (string, error) {
	line, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read response: %w", err)
	}

	resp := strings.Trim(line, "\x00\r\n ")
	if resp == "" {
		return "", fmt.Errorf("empty daemon response")
	}

	if resp == "stream: OK" {
		return "", nil
	}
	if m := foundPattern.FindStringSubmatch(resp); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("unexpected daemon response %q", resp)
}
