package live

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // required by the WebSocket handshake, not used for integrity
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// handshakeGUID is appended to Sec-WebSocket-Key (RFC 6455 section 4.2.2).
	handshakeGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// maxClientFrame bounds frames read from browsers, which only ever send
	// pings and close frames.
	maxClientFrame = 64 * 1024

	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

var errFrameTooLarge = errors.New("live: client frame too large")

// Handler upgrades GET requests to WebSocket and streams the client's frames
// until either side disconnects.
type Handler struct {
	b            *Broadcaster
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewHandler returns a Handler serving b. writeTimeout <= 0 means 10s.
func NewHandler(b *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{b: b, logger: logger, writeTimeout: writeTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		!strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be upgraded", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("live: hijack failed", slog.Any("error", err))
		return
	}

	_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n")
	if err := rw.Flush(); err != nil {
		h.logger.Warn("live: handshake failed", slog.Any("error", err))
		_ = conn.Close()
		return
	}

	id := uuid.NewString()
	client := h.b.Register(id)
	defer h.b.Unregister(id)
	h.logger.Info("live: client connected",
		slog.String("client_id", id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	s := &session{conn: conn, timeout: h.writeTimeout}
	defer s.close()

	// Pongs are written from the reader, so writes share a lock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.readLoop(rw.Reader); err != nil && !errors.Is(err, io.EOF) {
			h.logger.Debug("live: read ended", slog.String("client_id", id), slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-done:
			h.logger.Info("live: client disconnected", slog.String("client_id", id))
			return
		case frame, ok := <-client.Frames():
			if !ok {
				_ = s.write(opClose, nil)
				return
			}
			if err := s.write(opText, frame); err != nil {
				h.logger.Warn("live: write failed", slog.String("client_id", id), slog.Any("error", err))
				return
			}
		}
	}
}

// AcceptKey derives Sec-WebSocket-Accept from the client's key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + handshakeGUID)) //nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}

type session struct {
	conn    net.Conn
	timeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// write sends one unmasked, unfragmented frame.
func (s *session) write(op byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(payload)
	header := make([]byte, 2, 10)
	header[0] = 0x80 | op
	switch {
	case n < 126:
		header[1] = byte(n)
	case n <= 0xFFFF:
		header[1] = 126
		header = binary.BigEndian.AppendUint16(header, uint16(n))
	default:
		header[1] = 127
		header = binary.BigEndian.AppendUint64(header, uint64(n))
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(append(header, payload...)); err != nil {
		return err
	}
	return nil
}

// readLoop consumes client frames, answering pings, until a close frame,
// an oversized frame or a read error.
func (s *session) readLoop(r *bufio.Reader) error {
	var head [2]byte
	for {
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return err
		}
		op := head[0] & 0x0F
		masked := head[1]&0x80 != 0
		length := uint64(head[1] & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return err
			}
			length = uint64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return err
			}
			length = binary.BigEndian.Uint64(ext[:])
		}
		if length > maxClientFrame {
			return errFrameTooLarge
		}

		var mask [4]byte
		if masked {
			if _, err := io.ReadFull(r, mask[:]); err != nil {
				return err
			}
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		if masked {
			for i := range payload {
				payload[i] ^= mask[i%4]
			}
		}

		switch op {
		case opClose:
			_ = s.write(opClose, nil)
			return nil
		case opPing:
			if err := s.write(opPong, payload); err != nil {
				return err
			}
		}
	}
}
