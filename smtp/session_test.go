package smtp

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// startTestSession wires a session to one end of an in-memory net.Pipe and
// returns the other end for the test to drive, plus a channel closed once
// serve returns.
func startTestSession(cfg Config) (net.Conn, <-chan struct{}) {
	server, client := net.Pipe()
	cfg = cfg.WithDefaults()
	done := make(chan struct{})
	go func() {
		serve(server, cfg, "test-conn")
		close(done)
	}()
	return client, done
}

func writeLine(w net.Conn, line string) {
	if _, err := w.Write([]byte(line + "\r\n")); err != nil {
		panic(err)
	}
}

// readReply reads one (possibly multi-line) reply and returns its code and
// text lines with the code/separator stripped.
func readReply(r *bufio.Reader) (int, []string) {
	var lines []string
	var code int
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			panic(err)
		}
		raw = strings.TrimRight(raw, "\r\n")
		code, _ = strconv.Atoi(raw[:3])
		sep := raw[3]
		lines = append(lines, raw[4:])
		if sep == ' ' {
			break
		}
	}
	return code, lines
}

// S1 — basic accept (spec.md §8).
func TestSessionS1BasicAccept(t *testing.T) {
	Convey("a clean EHLO/MAIL/RCPT/DATA transaction is accepted", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com"})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)

		code, _ := readReply(r)
		So(code, ShouldEqual, 220)

		writeLine(client, "EHLO client.test")
		code, lines := readReply(r)
		So(code, ShouldEqual, 250)
		So(lines[0], ShouldContainSubstring, "Hello client.test")

		writeLine(client, "MAIL FROM:<a@x>")
		code, _ = readReply(r)
		So(code, ShouldEqual, 250)

		writeLine(client, "RCPT TO:<b@local>")
		code, _ = readReply(r)
		So(code, ShouldEqual, 250)

		writeLine(client, "DATA")
		code, _ = readReply(r)
		So(code, ShouldEqual, 354)

		writeLine(client, "Subject: hi")
		writeLine(client, "")
		writeLine(client, "hello")
		writeLine(client, ".")
		code, _ = readReply(r)
		So(code, ShouldEqual, 250)

		writeLine(client, "QUIT")
		code, _ = readReply(r)
		So(code, ShouldEqual, 221)
	})
}

// S5 — AUTH PLAIN with an initial response.
type fakeSuccessExchange struct{}

func (fakeSuccessExchange) Next(response []byte) (string, bool, []byte, error) {
	return "alice", true, nil, nil
}

type fakeAuthRealm struct{}

func (fakeAuthRealm) Mechanisms() []string { return []string{"PLAIN"} }
func (fakeAuthRealm) NewExchange(mechanism string) (Exchange, error) {
	if mechanism != "PLAIN" {
		return nil, ErrUnsupportedMechanism
	}
	return fakeSuccessExchange{}, nil
}

func TestSessionS5AuthPlain(t *testing.T) {
	Convey("AUTH PLAIN with an initial response succeeds in one round trip", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com", Realm: fakeAuthRealm{}})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r) // banner

		writeLine(client, "EHLO client.test")
		readReply(r)

		writeLine(client, "AUTH PLAIN AGFsaWNlAHBhc3N3b3Jk")
		code, _ := readReply(r)
		So(code, ShouldEqual, 235)
	})
}

func TestSessionAuthUnknownMechanismRejected(t *testing.T) {
	Convey("AUTH with an unrecognized mechanism gets 504", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com", Realm: fakeAuthRealm{}})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r) // banner

		writeLine(client, "EHLO client.test")
		readReply(r)

		writeLine(client, "AUTH GSSAPI")
		code, _ := readReply(r)
		So(code, ShouldEqual, 504)
	})
}

func TestSessionAuthBadBase64Rejected(t *testing.T) {
	Convey("AUTH with an undecodable initial response gets 501", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com", Realm: fakeAuthRealm{}})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r) // banner

		writeLine(client, "EHLO client.test")
		readReply(r)

		writeLine(client, "AUTH PLAIN not-base64!!")
		code, _ := readReply(r)
		So(code, ShouldEqual, 501)
	})
}

// S6 — a pipelined RSET clears the envelope and a fresh MAIL FROM succeeds.
func TestSessionS6PipelinedReset(t *testing.T) {
	Convey("RSET mid-pipeline clears the transaction", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com"})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r) // banner

		writeLine(client, "EHLO client.test")
		readReply(r)

		batch := "MAIL FROM:<a@b>\r\nRCPT TO:<c@local>\r\nRSET\r\nMAIL FROM:<d@e>\r\n"
		if _, err := client.Write([]byte(batch)); err != nil {
			t.Fatal(err)
		}

		code, _ := readReply(r) // MAIL FROM:<a@b>
		So(code, ShouldEqual, 250)
		code, _ = readReply(r) // RCPT TO:<c@local>
		So(code, ShouldEqual, 250)
		code, _ = readReply(r) // RSET
		So(code, ShouldEqual, 250)
		code, _ = readReply(r) // MAIL FROM:<d@e>
		So(code, ShouldEqual, 250)
	})
}

// Idempotence (spec.md §8): RSET from GREETED is a no-op, and a second RSET
// does not error.
func TestSessionRsetIdempotent(t *testing.T) {
	Convey("RSET with no open transaction is a no-op", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com"})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r)

		writeLine(client, "EHLO client.test")
		readReply(r)

		writeLine(client, "RSET")
		code, _ := readReply(r)
		So(code, ShouldEqual, 250)

		writeLine(client, "RSET")
		code, _ = readReply(r)
		So(code, ShouldEqual, 250)
	})
}

// S2 — relay denied: a handler that only accepts local recipients rejects
// RCPT for an off-domain address after the sender was already accepted.
type localOnlyHandler struct{ acceptAllHandler }

func (localOnlyHandler) HandleRcpt(s *RcptStage) {
	if s.Candidate.Address.Domain != "local" {
		s.Reject(NewReply(550, "5.7.1", "Relaying denied"))
		return
	}
	s.Accept()
}

func TestSessionS2RelayDenied(t *testing.T) {
	Convey("RCPT to an off-domain address is rejected after MAIL succeeds", t, func() {
		cfg := Config{
			Hostname: "mail.example.com",
			HandlerFactory: func(meta *ConnMeta) (Handler, error) {
				return localOnlyHandler{}, nil
			},
		}
		client, done := startTestSession(cfg)
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r)

		writeLine(client, "EHLO client.test")
		readReply(r)

		writeLine(client, "MAIL FROM:<a@x>")
		code, _ := readReply(r)
		So(code, ShouldEqual, 250)

		writeLine(client, "RCPT TO:<b@elsewhere>")
		code, _ = readReply(r)
		So(code, ShouldEqual, 550)
	})
}

// S3 — size overflow: a 100-octet ceiling rejects a 200-octet DATA body with
// a single 552 and discards the partial write.
func TestSessionS3SizeOverflow(t *testing.T) {
	Convey("a DATA body exceeding maxMessageSize is rejected with 552", t, func() {
		cfg := Config{Hostname: "mail.example.com", MaxMessageSize: 100}
		client, done := startTestSession(cfg)
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r)

		writeLine(client, "EHLO client.test")
		readReply(r)
		writeLine(client, "MAIL FROM:<a@x>")
		readReply(r)
		writeLine(client, "RCPT TO:<b@local>")
		readReply(r)

		writeLine(client, "DATA")
		code, _ := readReply(r)
		So(code, ShouldEqual, 354)

		body := strings.Repeat("x", 200)
		writeLine(client, body)
		writeLine(client, ".")
		code, _ = readReply(r)
		So(code, ShouldEqual, 552)
	})
}

// selfSignedTLSConfig generates an in-memory ECDSA certificate for S4's
// STARTTLS handshake, since no certificate ships with the test tree.
func selfSignedTLSConfig(t *testing.T) *tls.Config {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.example.com"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// S4 — STARTTLS discards prior state: after a successful handshake, the
// client must re-issue EHLO before MAIL FROM is accepted again.
func TestSessionS4StartTLSResets(t *testing.T) {
	Convey("MAIL FROM before a post-STARTTLS EHLO gets 503", t, func() {
		cfg := Config{Hostname: "mail.example.com", TLSConfig: selfSignedTLSConfig(t)}
		client, done := startTestSession(cfg)
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r)

		writeLine(client, "EHLO client.test")
		code, lines := readReply(r)
		So(code, ShouldEqual, 250)
		So(lines, ShouldContain, "STARTTLS")

		writeLine(client, "STARTTLS")
		code, _ = readReply(r)
		So(code, ShouldEqual, 220)

		tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
		if err := tlsClient.Handshake(); err != nil {
			t.Fatal(err)
		}
		client = tlsClient
		r = bufio.NewReader(client)

		writeLine(client, "MAIL FROM:<x@y>")
		code, _ = readReply(r)
		So(code, ShouldEqual, 503)
	})
}

// pipeConnWithAddr gives one end of a net.Pipe a TCP remote address: a
// pipe's own RemoteAddr ("pipe") carries no IP for IsXclientAuthorized to
// approve.
type pipeConnWithAddr struct {
	net.Conn
	remote net.Addr
}

func (c pipeConnWithAddr) RemoteAddr() net.Addr { return c.remote }

// XCLIENT (spec.md §6): an authorized peer may assert a replacement
// originating address; a successful exchange resets state like STARTTLS.
func TestSessionXclientResetsState(t *testing.T) {
	Convey("an authorized XCLIENT requires a fresh EHLO before MAIL FROM", t, func() {
		cfg := Config{
			Hostname:            "mail.example.com",
			IsXclientAuthorized: func(net.IP) bool { return true },
		}
		server, client := net.Pipe()
		done := make(chan struct{})
		go func() {
			remote := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 40000}
			serve(pipeConnWithAddr{Conn: server, remote: remote}, cfg.WithDefaults(), "test-conn")
			close(done)
		}()
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r)

		writeLine(client, "EHLO proxy.test")
		code, lines := readReply(r)
		So(code, ShouldEqual, 250)
		So(lines, ShouldContain, "XCLIENT")

		writeLine(client, "XCLIENT ADDR=203.0.113.9 NAME=real.client PROTO=ESMTP")
		code, _ = readReply(r)
		So(code, ShouldEqual, 220)

		writeLine(client, "MAIL FROM:<a@x>")
		code, _ = readReply(r)
		So(code, ShouldEqual, 503)

		writeLine(client, "EHLO real.client")
		code, _ = readReply(r)
		So(code, ShouldEqual, 250)

		writeLine(client, "MAIL FROM:<a@x>")
		code, _ = readReply(r)
		So(code, ShouldEqual, 250)
	})
}

func TestSessionXclientRejectedWithoutAuthorization(t *testing.T) {
	Convey("XCLIENT is refused when the peer is not authorized", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com"})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r)

		writeLine(client, "EHLO client.test")
		readReply(r)

		writeLine(client, "XCLIENT ADDR=203.0.113.9")
		code, _ := readReply(r)
		So(code, ShouldEqual, 503)
	})
}

// Invariant (spec.md §8): an out-of-sequence command gets 503 and leaves
// state unchanged (RCPT before MAIL).
func TestSessionOutOfSequence(t *testing.T) {
	Convey("RCPT before MAIL is rejected with 503", t, func() {
		client, done := startTestSession(Config{Hostname: "mail.example.com"})
		defer func() { client.Close(); <-done }()
		r := bufio.NewReader(client)
		readReply(r)

		writeLine(client, "EHLO client.test")
		readReply(r)

		writeLine(client, "RCPT TO:<b@local>")
		code, _ := readReply(r)
		So(code, ShouldEqual, 503)

		// The session must still accept MAIL FROM normally afterwards.
		writeLine(client, "MAIL FROM:<a@x>")
		code, _ = readReply(r)
		So(code, ShouldEqual, 250)
	})
}
