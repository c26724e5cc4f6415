package smtp

import "errors"

// Sentinel errors returned by the parser and protocol layers. Naming follows
// the teacher's protocol.go (ErrLtl, ErrNoDelims, ErrIncomplete).
var (
	// ErrLineTooLong is returned when a command line exceeds the configured
	// maximum (512 octets, or 1000 once SMTPUTF8 is negotiated).
	ErrLineTooLong = errors.New("smtp: command line too long")

	// ErrBadSyntax is returned by the parser for a line that cannot be
	// tokenized into a verb and parameters at all.
	ErrBadSyntax = errors.New("smtp: bad command syntax")

	// ErrUnknownCommand is returned for a well-formed line whose verb is not
	// recognized.
	ErrUnknownCommand = errors.New("smtp: unknown command")

	// ErrBareLineEnding is returned when a command line contains a bare CR or
	// ends in a bare LF.
	ErrBareLineEnding = errors.New("smtp: bare CR or LF in input")

	// ErrDuplicateParam is returned when an ESMTP keyword is repeated on the
	// same command line.
	ErrDuplicateParam = errors.New("smtp: duplicate ESMTP parameter")

	// ErrBadXtext is returned when xtext decoding encounters a malformed
	// "+" escape (RFC 3461 §4).
	ErrBadXtext = errors.New("smtp: malformed xtext encoding")

	// ErrBadMailbox is returned by ParseMailbox for a syntactically invalid
	// local-part or domain (RFC 5321 §4.1.2).
	ErrBadMailbox = errors.New("smtp: invalid mailbox syntax")

	// ErrOutOfSequence is returned internally when a command is legal in
	// general but not in the session's current state.
	ErrOutOfSequence = errors.New("smtp: command out of sequence")

	// ErrStageAlreadyResponded is the programming-error signal raised when a
	// handler calls a stage method more than once (spec §4.8, §7).
	ErrStageAlreadyResponded = errors.New("smtp: handler stage already responded")

	// ErrHandlerTimedOut marks a stage that never received a reply from its
	// handler within the connection's idle timeout.
	ErrHandlerTimedOut = errors.New("smtp: handler did not reply in time")

	// ErrSizeExceeded is raised internally by the DATA/BDAT receiver when
	// the accumulated body exceeds the effective size limit.
	ErrSizeExceeded = errors.New("smtp: message size limit exceeded")

	// ErrTooManyRecipients is raised when RCPT TO would exceed maxRecipients.
	ErrTooManyRecipients = errors.New("smtp: too many recipients")

	// ErrTooManyTransactions is raised when MAIL FROM would exceed
	// maxTransactionsPerSession.
	ErrTooManyTransactions = errors.New("smtp: too many transactions for this session")

	// ErrConnectionDenied is returned by the CIDR filter collaborator to
	// refuse a connection before the banner is sent.
	ErrConnectionDenied = errors.New("smtp: connection denied by network policy")

	// ErrAuthCancelled is returned when the client sends a bare "*" in
	// response to a 334 continuation, RFC 4954 §4.
	ErrAuthCancelled = errors.New("smtp: authentication cancelled by client")

	// ErrUnsupportedMechanism is returned by Realm.NewExchange when the
	// requested SASL mechanism is not one the realm advertises.
	ErrUnsupportedMechanism = errors.New("smtp: unsupported SASL mechanism")
)
