package smtp

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// State is the connection's position in the protocol state machine
// (spec.md §4.1): INIT -> GREETED -> MAIL -> RCPT -> DATA_ACTIVE, with
// RSET returning to GREETED from anywhere past it, and AUTH usable from
// GREETED.
type State int

const (
	StateInit State = iota
	StateGreeted
	StateMail
	StateRcpt
	StateDataActive
	StateClosed
)

// session is one accepted connection's state machine. Grounded on the
// teacher's conn type (smtp/smtp.go), generalized from its fixed five-verb
// switch into the full verb set, ESMTP extension negotiation, staged
// handler callbacks, and AUTH/STARTTLS/BDAT that the teacher never
// implemented.
type session struct {
	cfg     Config
	conn    net.Conn
	reader  *bufio.Reader
	meta    ConnMeta
	ext     ExtensionSet
	state   State
	handler Handler

	txn          *Transaction
	bdatPipeline *Pipeline
	transactions int
	lastVerb     string
	closeReason  string

	// xclientAddr is set once an authorized peer asserts a replacement
	// originating address via XCLIENT (spec.md §6); nil means "use the TCP
	// connection's own remote address" (the common case).
	xclientAddr net.IP
}

// serve drives one accepted connection end to end. It is the session
// package's sole entry point, called by the listener loop in server.go.
func serve(conn net.Conn, cfg Config, connID string) {
	meta := ConnMeta{
		ID:         connID,
		RemoteAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
		StartedAt:  time.Now(),
	}
	s := &session{cfg: cfg, conn: conn, reader: bufio.NewReaderSize(conn, 64*1024), meta: meta}
	defer func() {
		s.conn.Close()
		cfg.Sink.ConnectionClosed(&s.meta, s.closeReason)
	}()

	if cfg.Secure {
		if cfg.TLSConfig == nil {
			s.closeReason = "secure endpoint misconfigured: no TLSConfig"
			return
		}
		tconn := tls.Server(conn, cfg.TLSConfig)
		if err := tconn.Handshake(); err != nil {
			s.closeReason = "implicit TLS handshake failed: " + err.Error()
			return
		}
		s.conn = tconn
		s.reader = bufio.NewReaderSize(tconn, 64*1024)
		s.meta.TLS = true
	}

	handler, err := s.buildHandler()
	if err != nil {
		s.closeReason = "handler factory error: " + err.Error()
		return
	}
	s.handler = handler
	s.ext = buildExtensionSet(cfg, s.meta.TLS, false, s.remoteIP())

	cfg.Sink.ConnectionOpened(&s.meta)
	if err := s.writeReply(NewReply(220, "", cfg.Hostname+" ESMTP ready")); err != nil {
		s.closeReason = "write banner: " + err.Error()
		return
	}
	// The client must still send HELO/EHLO before MAIL FROM is accepted.
	s.state = StateInit
	s.closeReason = s.loop()
}

func (s *session) buildHandler() (Handler, error) {
	if s.cfg.HandlerFactory == nil {
		return acceptAllHandler{}, nil
	}
	h, err := s.cfg.HandlerFactory(&s.meta)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return acceptAllHandler{}, nil
	}
	return h, nil
}

// loop reads and dispatches commands until the client quits, a fatal
// protocol error occurs, or the idle timeout expires. It returns the reason
// the connection ended, for telemetry.
func (s *session) loop() string {
	for {
		deadline := s.cfg.IdleTimeout
		if s.state == StateDataActive {
			deadline = s.cfg.DataTimeout
		}
		s.conn.SetReadDeadline(time.Now().Add(deadline))

		maxLine := 512
		if s.state == StateDataActive || (s.txn != nil && s.txn.SMTPUTF8) {
			maxLine = 1000
		}
		line, err := readCommandLine(s.reader, maxLine)
		if err != nil {
			switch err {
			case ErrLineTooLong:
				s.writeReply(NewReply(500, "5.5.2", "Line too long"))
				continue
			case ErrBareLineEnding:
				s.writeReply(ReplySyntaxError("bare CR or LF"))
				continue
			default:
				return "read error: " + err.Error()
			}
		}

		cmd, perr := ParseLine(line)
		s.lastVerb = cmd.Verb.String()
		if perr != nil {
			s.handleParseError(cmd, perr)
			continue
		}

		if cmd.Verb == VerbQUIT {
			s.writeReply(ReplyBye(s.cfg.Hostname))
			return "client quit"
		}
		s.dispatch(cmd)
		if s.state == StateClosed {
			return s.closeReason
		}
	}
}

func (s *session) handleParseError(cmd ParsedCommand, err error) {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		s.writeReply(ReplyUnknownCommand())
	case errors.Is(err, ErrDuplicateParam):
		s.writeReply(NewReply(501, "5.5.4", err.Error()))
	default:
		s.writeReply(ReplySyntaxError(err.Error()))
	}
}

func (s *session) dispatch(cmd ParsedCommand) {
	switch cmd.Verb {
	case VerbHELO:
		s.handleHelo(cmd, false)
	case VerbEHLO:
		s.handleHelo(cmd, true)
	case VerbMAIL:
		s.handleMail(cmd)
	case VerbRCPT:
		s.handleRcpt(cmd)
	case VerbDATA:
		s.handleData()
	case VerbBDAT:
		s.handleBdat(cmd)
	case VerbRSET:
		s.handleRset()
	case VerbNOOP:
		s.writeReply(ReplyOK())
	case VerbVRFY, VerbEXPN:
		s.writeReply(NewReply(252, "2.5.2", "Cannot verify user, but will accept message"))
	case VerbAUTH:
		s.handleAuth(cmd)
	case VerbSTARTTLS:
		s.handleStartTLS()
	case VerbXCLIENT:
		s.handleXclient(cmd)
	default:
		s.writeReply(ReplyUnknownCommand())
	}
}

func (s *session) handleHelo(cmd ParsedCommand, extended bool) {
	if cmd.Domain == "" {
		s.writeReply(ReplySyntaxError("missing domain"))
		return
	}
	stg := &HeloStage{
		stage:    newStage(s.cfg.Sink, &s.meta, "helo"),
		Meta:     &s.meta,
		Domain:   cmd.Domain,
		Extended: extended,
	}
	s.handler.HandleHelo(stg)
	result, err := stg.wait(s.handlerDeadline())
	if err != nil {
		s.faultClose("helo", err)
		return
	}
	if !result.Reply.IsPositive() {
		s.writeReply(result.Reply)
		return
	}

	s.meta.HeloDomain = cmd.Domain
	s.txn = nil
	s.state = StateGreeted

	if !extended {
		s.writeReply(NewReply(250, "", s.cfg.Hostname+" Hello "+cmd.Domain))
		return
	}
	lines := append([]string{s.cfg.Hostname + " Hello " + cmd.Domain}, s.ext.EhloLines()...)
	s.writeReply(Reply{Code: 250, Lines: lines})
}

func (s *session) handleMail(cmd ParsedCommand) {
	if s.state < StateGreeted {
		s.writeReply(ReplyBadSequence())
		return
	}
	if s.cfg.AuthRequired && s.meta.AuthIdentity == "" {
		s.writeReply(ReplyAuthRequired())
		return
	}
	if s.state == StateMail || s.state == StateRcpt {
		s.writeReply(ReplyBadSequence())
		return
	}
	if s.cfg.MaxTransactions > 0 && s.transactions >= s.cfg.MaxTransactions {
		s.writeReply(NewReply(421, "4.7.0", "Too many transactions, closing connection"))
		s.state = StateClosed
		s.closeReason = "max transactions exceeded"
		return
	}

	if cmd.NullPath {
		addr := Address{}
		s.continueMail(cmd, addr)
		return
	}
	_, wantsUTF8 := cmd.Params["SMTPUTF8"]
	addr, err := ParseMailbox(cmd.MailboxRaw, s.ext.SMTPUTF8 && wantsUTF8)
	if err != nil {
		s.writeReply(NewReply(553, "5.1.7", "Bad sender mailbox address syntax"))
		return
	}
	s.continueMail(cmd, addr)
}

func (s *session) continueMail(cmd ParsedCommand, addr Address) {
	txn, badParam, err := parseMailParams(addr, cmd.Params, s.ext)
	if err != nil {
		s.writeReply(ReplyParamNotImplemented(badParam))
		return
	}
	if txn.DeclaredSize > 0 && s.cfg.MaxMessageSize > 0 && txn.DeclaredSize > s.cfg.MaxMessageSize {
		s.writeReply(ReplyExceededStorage())
		return
	}

	stg := &MailStage{stage: newStage(s.cfg.Sink, &s.meta, "mail"), Meta: &s.meta, Transaction: txn}
	s.handler.HandleMail(stg)
	result, err := stg.wait(s.handlerDeadline())
	if err != nil {
		s.faultClose("mail", err)
		return
	}
	if !result.Reply.IsPositive() {
		s.writeReply(result.Reply)
		return
	}

	s.txn = &txn
	s.transactions++
	s.state = StateMail
	s.writeReply(ReplyOK())
}

func (s *session) handleRcpt(cmd ParsedCommand) {
	if s.state != StateMail && s.state != StateRcpt {
		s.writeReply(ReplyBadSequence())
		return
	}
	if cmd.NullPath {
		s.writeReply(NewReply(553, "5.1.3", "Bad recipient mailbox address syntax"))
		return
	}
	addr, err := ParseMailbox(cmd.MailboxRaw, s.txn.SMTPUTF8)
	if err != nil {
		s.writeReply(NewReply(553, "5.1.3", "Bad recipient mailbox address syntax"))
		return
	}
	rcpt, badParam, err := parseRcptParams(addr, cmd.Params, s.ext)
	if err != nil {
		s.writeReply(ReplyParamNotImplemented(badParam))
		return
	}
	if len(s.txn.Recipients) >= s.cfg.MaxRecipients {
		s.writeReply(ReplyTooManyRecipients())
		return
	}

	stg := &RcptStage{stage: newStage(s.cfg.Sink, &s.meta, "rcpt"), Meta: &s.meta, Transaction: *s.txn, Candidate: rcpt}
	s.handler.HandleRcpt(stg)
	result, err := stg.wait(s.handlerDeadline())
	if err != nil {
		s.faultClose("rcpt", err)
		return
	}
	if !result.Reply.IsPositive() {
		s.writeReply(result.Reply)
		return
	}

	s.txn.AddRecipient(rcpt)
	s.state = StateRcpt
	s.writeReply(ReplyOK())
}

func (s *session) handleData() {
	if s.state != StateRcpt {
		s.writeReply(ReplyBadSequence())
		return
	}
	if s.txn.BinaryMime {
		s.writeReply(NewReply(503, "5.5.1", "BINARYMIME requires BDAT, not DATA"))
		return
	}

	startStg := &DataStartStage{stage: newStage(s.cfg.Sink, &s.meta, "data-start"), Meta: &s.meta, Transaction: *s.txn}
	s.handler.HandleDataStart(startStg)
	result, err := startStg.wait(s.handlerDeadline())
	if err != nil {
		s.faultClose("data-start", err)
		return
	}
	if result.Reply.Code != 0 && !result.Reply.IsPositive() {
		s.writeReply(result.Reply)
		s.resetTransaction()
		return
	}

	pipeline, err := s.openPipeline()
	if err != nil {
		s.writeReply(ReplyTransactionFailed(err.Error()))
		s.resetTransaction()
		return
	}

	s.writeReply(NewReply(354, "", "Start mail input; end with <CRLF>.<CRLF>"))
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout))
	err = readDotData(s.reader, pipeline, 1000)
	if err != nil {
		pipeline.Abort()
		if err == ErrSizeExceeded {
			// Drain the rest of the body up to the terminating "." so its
			// lines are not read as commands.
			readDotData(s.reader, io.Discard, 1000)
			s.writeReply(ReplyExceededStorage())
		} else {
			s.writeReply(NewReply(451, "4.3.0", "Error reading message data"))
		}
		s.resetTransaction()
		return
	}
	s.txn.BytesReceived = pipeline.written
	s.finishData(pipeline)
}

func (s *session) handleBdat(cmd ParsedCommand) {
	if s.state != StateRcpt && s.state != StateDataActive {
		s.writeReply(ReplyBadSequence())
		return
	}
	if s.state == StateRcpt {
		startStg := &DataStartStage{stage: newStage(s.cfg.Sink, &s.meta, "data-start"), Meta: &s.meta, Transaction: *s.txn}
		s.handler.HandleDataStart(startStg)
		result, err := startStg.wait(s.handlerDeadline())
		if err != nil {
			s.faultClose("data-start", err)
			return
		}
		if result.Reply.Code != 0 && !result.Reply.IsPositive() {
			s.writeReply(result.Reply)
			s.resetTransaction()
			return
		}
		pipeline, err := s.openPipeline()
		if err != nil {
			s.writeReply(ReplyTransactionFailed(err.Error()))
			s.resetTransaction()
			return
		}
		s.bdatPipeline = pipeline
		s.state = StateDataActive
	}

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout))
	err := readExactly(s.reader, s.bdatPipeline, cmd.ChunkSize)
	if err != nil {
		s.bdatPipeline.Abort()
		if err == ErrSizeExceeded {
			s.writeReply(ReplyExceededStorage())
		} else {
			s.writeReply(NewReply(451, "4.3.0", "Error reading chunk data"))
		}
		s.resetTransaction()
		return
	}
	s.txn.BytesReceived = s.bdatPipeline.written
	s.writeReply(NewReply(250, "2.0.0", fmt.Sprintf("%d octets received", cmd.ChunkSize)))

	if cmd.Last {
		s.finishData(s.bdatPipeline)
	}
}

func (s *session) finishData(pipeline *Pipeline) {
	endStg := &DataEndStage{stage: newStage(s.cfg.Sink, &s.meta, "data-end"), Meta: &s.meta, Transaction: *s.txn}
	s.handler.HandleDataEnd(endStg)
	result, err := endStg.wait(s.handlerDeadline())
	if err != nil {
		pipeline.Abort()
		s.faultClose("data-end", err)
		return
	}
	if !result.Reply.IsPositive() {
		pipeline.Abort()
		s.writeReply(result.Reply)
		s.resetTransaction()
		return
	}
	pipeline.Close()
	s.writeReply(ReplyOK())
	s.resetTransaction()
}

// openPipeline creates one Store per recipient via the configured
// MailboxFactory.
func (s *session) openPipeline() (*Pipeline, error) {
	if s.cfg.MailboxFactory == nil {
		return newPipeline(nil, s.cfg.MaxMessageSize), nil
	}
	stores := make([]Store, 0, len(s.txn.Recipients))
	for _, r := range s.txn.Recipients {
		store, err := s.cfg.MailboxFactory.CreateStore(r.Address)
		if err != nil {
			for _, opened := range stores {
				opened.Abort()
			}
			return nil, err
		}
		stores = append(stores, store)
	}
	return newPipeline(stores, s.cfg.MaxMessageSize), nil
}

func (s *session) resetTransaction() {
	s.txn = nil
	s.bdatPipeline = nil
	if s.state != StateClosed && s.state != StateInit {
		s.state = StateGreeted
	}
}

func (s *session) handleRset() {
	s.resetTransaction()
	s.writeReply(ReplyOK())
}

func (s *session) handleAuth(cmd ParsedCommand) {
	if s.cfg.Realm == nil {
		s.writeReply(NewReply(502, "5.5.1", "Command not implemented"))
		return
	}
	if s.meta.AuthIdentity != "" {
		s.writeReply(NewReply(503, "5.5.1", "Already authenticated"))
		return
	}
	identity, err := AuthExchange(s.cfg.Realm, cmd.Arg, cmd.InitialResponse, s.readAuthLine, s.writeReply)
	if err != nil {
		switch {
		case errors.Is(err, ErrAuthCancelled):
			s.writeReply(NewReply(501, "5.7.0", "Authentication cancelled"))
		case errors.Is(err, ErrUnsupportedMechanism):
			s.writeReply(ReplyAuthMechanismUnrecognized())
		case errors.Is(err, ErrBadSyntax):
			s.writeReply(ReplyAuthBadSyntax())
		default:
			s.writeReply(ReplyAuthFailed())
		}
		return
	}
	s.meta.AuthIdentity = identity
	s.ext = buildExtensionSet(s.cfg, s.meta.TLS, true, s.remoteIP())
	s.writeReply(ReplyAuthSucceeded())
}

func (s *session) readAuthLine() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	return readCommandLine(s.reader, 12288)
}

func (s *session) handleStartTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeReply(NewReply(502, "5.5.1", "Command not implemented"))
		return
	}
	if s.meta.TLS {
		s.writeReply(NewReply(503, "5.5.1", "TLS already active"))
		return
	}
	if err := s.writeReply(ReplyStartTLS()); err != nil {
		s.state = StateClosed
		s.closeReason = "write error before TLS handshake: " + err.Error()
		return
	}
	tconn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		s.state = StateClosed
		s.closeReason = "STARTTLS handshake failed: " + err.Error()
		return
	}
	s.conn = tconn
	s.reader = bufio.NewReaderSize(tconn, 64*1024)
	s.meta.TLS = true
	// RFC 3207 §4.2: all prior state is discarded after a successful
	// STARTTLS, the client must re-issue EHLO.
	s.meta.HeloDomain = ""
	s.meta.AuthIdentity = ""
	s.txn = nil
	s.state = StateInit
	s.ext = buildExtensionSet(s.cfg, true, false, s.remoteIP())
}

// handleXclient lets an authorized proxy (one cfg.IsXclientAuthorized
// approves) assert the true originating address of a relayed connection, the
// Postfix XCLIENT convention (ADDR=/NAME=/PROTO=/HELO= attributes). Only
// ADDR is interpreted; the others are accepted but not acted on, since this
// core exposes no further collaborator that consumes them. A successful
// XCLIENT discards the HELO domain and any open transaction, as STARTTLS
// does, and the client must re-issue EHLO/HELO against the newly asserted
// identity; unlike STARTTLS, an authenticated identity is kept.
func (s *session) handleXclient(cmd ParsedCommand) {
	if !s.ext.XClient {
		s.writeReply(NewReply(503, "5.5.1", "XCLIENT not authorized"))
		return
	}
	addr, ok := cmd.Params["ADDR"]
	if !ok {
		s.writeReply(ReplySyntaxError("XCLIENT requires ADDR"))
		return
	}
	if addr == "[UNAVAILABLE]" {
		s.xclientAddr = nil
	} else {
		ip := net.ParseIP(addr)
		if ip == nil {
			s.writeReply(ReplySyntaxError("XCLIENT ADDR is not a valid address"))
			return
		}
		s.xclientAddr = ip
	}

	s.meta.HeloDomain = ""
	s.txn = nil
	// Like STARTTLS, a successful XCLIENT requires a fresh EHLO/HELO before
	// MAIL FROM is accepted again, since the connection's identity changed.
	s.state = StateInit
	s.ext = buildExtensionSet(s.cfg, s.meta.TLS, s.meta.AuthIdentity != "", s.remoteIP())
	s.writeReply(NewReply(220, "", s.cfg.Hostname+" ESMTP ready"))
}

// remoteIP extracts the connecting IP from the session's remote address,
// or the XCLIENT-asserted address once one has been accepted.
func (s *session) remoteIP() net.IP {
	if s.xclientAddr != nil {
		return s.xclientAddr
	}
	host, _, err := net.SplitHostPort(s.meta.RemoteAddr.String())
	if err != nil {
		return net.ParseIP(s.meta.RemoteAddr.String())
	}
	return net.ParseIP(host)
}

func (s *session) writeReply(r Reply) error {
	text, err := r.Format()
	if err != nil {
		text, _ = NewReply(421, "4.0.0", "internal server error").Format()
	}
	_, werr := io.WriteString(s.conn, text)
	if werr == nil {
		s.cfg.Sink.CommandProcessed(&s.meta, s.lastVerb, r)
	}
	return werr
}

func (s *session) handlerDeadline() <-chan time.Time {
	return time.After(s.cfg.IdleTimeout)
}

// faultClose handles a stage that never replied (handler crashed or got
// stuck): log the fault and close the connection with a 421 rather than
// hang forever (spec.md §7). A second response to an already-answered
// stage never reaches here: stage.respond reports it to the sink and the
// connection carries on.
func (s *session) faultClose(stage string, err error) {
	s.cfg.Sink.HandlerFault(&s.meta, stage, err)
	s.writeReply(ReplyServiceNotAvailable(s.cfg.Hostname))
	s.state = StateClosed
	s.closeReason = fmt.Sprintf("handler fault in %s: %v", stage, err)
}
