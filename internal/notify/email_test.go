package notify_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/config"
	"github.com/tripwire/fim/internal/notify"
)

// ---------------------------------------------------------------------------
// Fake SMTP server
// ---------------------------------------------------------------------------

// smtpServer speaks just enough SMTP for net/smtp: EHLO advertising AUTH
// PLAIN, AUTH, MAIL, RCPT, DATA, NOOP and QUIT. STARTTLS is not offered.
type smtpServer struct {
	ln         net.Listener
	rejectRcpt atomic.Bool

	mu       sync.Mutex
	auth     []string
	rcpts    []string
	messages []string
}

func newSMTPServer(t *testing.T) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &smtpServer{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *smtpServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *smtpServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *smtpServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = io.WriteString(conn, line+"\r\n") }

	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			reply("250-fake")
			reply("250 AUTH PLAIN")
		case "AUTH":
			fields := strings.Fields(line)
			if len(fields) == 3 {
				raw, _ := base64.StdEncoding.DecodeString(fields[2])
				s.mu.Lock()
				s.auth = append(s.auth, string(raw))
				s.mu.Unlock()
			}
			reply("235 2.7.0 accepted")
		case "MAIL":
			reply("250 ok")
		case "RCPT":
			if s.rejectRcpt.Load() {
				reply("550 no such user")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, line)
			s.mu.Unlock()
			reply("250 ok")
		case "DATA":
			reply("354 end with .")
			var msg strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				msg.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, msg.String())
			s.mu.Unlock()
			reply("250 queued")
		case "NOOP", "RSET":
			reply("250 ok")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unrecognised")
		}
	}
}

func (s *smtpServer) snapshot() (auth, rcpts, messages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...),
		append([]string(nil), s.rcpts...),
		append([]string(nil), s.messages...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emailConfig(port int) config.EmailConfig {
	return config.EmailConfig{
		SMTPServer:      "127.0.0.1",
		SMTPPort:        port,
		SenderEmail:     "fim@bank.example",
		SenderPassword:  "s3cret",
		RecipientEmails: []string{"soc@bank.example", "oncall@bank.example"},
	}
}

func sampleAlert() alert.Alert {
	return alert.Alert{
		ID:        "6f1c2f8e-0000-4000-8000-000000000001",
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Category:  alert.CategoryModified,
		FileName:  "tx.csv",
		FullPath:  "/srv/data/Financial_Transactions/tx.csv",
		RelPath:   "Financial_Transactions/tx.csv",
		Details:   alert.CategoryModified.Details(),
	}
}

// ---------------------------------------------------------------------------
// Email
// ---------------------------------------------------------------------------

func TestEmail_SendDeliversMessage(t *testing.T) {
	srv := newSMTPServer(t)
	e := notify.NewEmail(emailConfig(srv.port()), quietLogger())

	if err := e.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	auth, rcpts, messages := srv.snapshot()
	if len(auth) != 1 || auth[0] != "\x00fim@bank.example\x00s3cret" {
		t.Errorf("auth = %q, want PLAIN credentials of the sender", auth)
	}
	if len(rcpts) != 2 {
		t.Errorf("RCPT commands = %d, want 2", len(rcpts))
	}
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	msg := messages[0]
	for _, want := range []string{
		"Subject: FIM Alert: File Modified\r\n",
		"To: soc@bank.example, oncall@bank.example\r\n",
		"Type: File Modified\r\n",
		"File: tx.csv\r\n",
		"Path: /srv/data/Financial_Transactions/tx.csv\r\n",
		"Time: 2026-03-04 05:06:07\r\n",
		"Details: unauthorized content modification\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q\n%s", want, msg)
		}
	}
}

func TestEmail_NoPasswordSkipsAuth(t *testing.T) {
	srv := newSMTPServer(t)
	cfg := emailConfig(srv.port())
	cfg.SenderPassword = ""
	e := notify.NewEmail(cfg, quietLogger())

	if err := e.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth, _, _ := srv.snapshot(); len(auth) != 0 {
		t.Errorf("auth attempted without a password: %q", auth)
	}
}

func TestEmail_RejectedRecipientIsError(t *testing.T) {
	srv := newSMTPServer(t)
	srv.rejectRcpt.Store(true)
	e := notify.NewEmail(emailConfig(srv.port()), quietLogger())

	if err := e.Send(context.Background(), sampleAlert()); err == nil {
		t.Fatal("Send: expected error when RCPT is rejected")
	}
}

func TestEmail_RateLimited(t *testing.T) {
	srv := newSMTPServer(t)
	cfg := emailConfig(srv.port())
	cfg.RatePerMinute = 1
	e := notify.NewEmail(cfg, quietLogger())

	if err := e.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	err := e.Send(context.Background(), sampleAlert())
	if !errors.Is(err, notify.ErrRateLimited) {
		t.Fatalf("second Send error = %v, want ErrRateLimited", err)
	}
	if _, _, messages := srv.snapshot(); len(messages) != 1 {
		t.Errorf("messages = %d, want 1", len(messages))
	}
}

func TestEmail_Verify(t *testing.T) {
	srv := newSMTPServer(t)
	e := notify.NewEmail(emailConfig(srv.port()), quietLogger())

	if err := e.Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	auth, _, messages := srv.snapshot()
	if len(auth) != 1 {
		t.Errorf("Verify did not authenticate")
	}
	if len(messages) != 0 {
		t.Errorf("Verify sent %d messages, want 0", len(messages))
	}
}

func TestEmail_VerifyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	e := notify.NewEmail(emailConfig(port), quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Verify(ctx); err == nil {
		t.Fatal("Verify: expected error for closed port " + strconv.Itoa(port))
	}
}

func TestBody_Layout(t *testing.T) {
	body := notify.Body(sampleAlert())
	lines := strings.Split(strings.TrimRight(body, "\r\n"), "\r\n")
	want := []string{
		"File Integrity Alert",
		"--------------------",
		"Type: File Modified",
		"File: tx.csv",
		"Path: /srv/data/Financial_Transactions/tx.csv",
		"Time: 2026-03-04 05:06:07",
		"Details: unauthorized content modification",
		"",
		"Action Required: Investigate immediately.",
	}
	if len(lines) != len(want) {
		t.Fatalf("body has %d lines, want %d:\n%s", len(lines), len(want), body)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
