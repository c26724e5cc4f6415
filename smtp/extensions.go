package smtp

import (
	"fmt"
	"net"
)

// ExtensionSet records which ESMTP extensions are in effect for a
// connection. Built once from Config when the session starts and narrowed
// as TLS/auth state changes (eg AUTH is withheld before TLS on an
// AuthRequired endpoint). Grounded on spec.md §4.4's exact
// capability list and advertisement order.
type ExtensionSet struct {
	Size                int64 // 0 means advertised without a limit value
	EightBitMime        bool
	BinaryMime          bool
	SMTPUTF8            bool
	Pipelining          bool
	Chunking            bool
	EnhancedStatusCodes bool
	Dsn                 bool
	RequireTLS          bool
	MtPriority          bool
	FutureRelease       bool
	DeliverBy           bool
	StartTLS            bool
	AuthMechanisms      []string
	Limits              bool
	MaxRecipients       int
	MaxTransactions     int
	MaxMessageSize      int64

	// XClient is advertised only to a peer cfg.IsXclientAuthorized approves,
	// letting a trusted proxy (eg a content filter or load balancer) assert
	// the true originating address for a relayed connection (spec.md §6).
	XClient bool
}

// buildExtensionSet derives the advertised capability set from cfg and the
// current connection state (tlsActive, authDone, the connection's remote
// address). STARTTLS is withdrawn once TLS is already active; REQUIRETLS is
// advertised only once TLS is active (RFC 8689 §3); AUTH is withdrawn once
// already authenticated, and withheld entirely on a submission endpoint
// until TLS is established; XCLIENT is advertised only when
// cfg.IsXclientAuthorized approves remoteIP.
func buildExtensionSet(cfg Config, tlsActive, authDone bool, remoteIP net.IP) ExtensionSet {
	ext := ExtensionSet{
		Size:                cfg.MaxMessageSize,
		EightBitMime:        true,
		BinaryMime:          true,
		SMTPUTF8:            true,
		Pipelining:          true,
		Chunking:            true,
		EnhancedStatusCodes: true,
		Dsn:                 true,
		RequireTLS:          tlsActive,
		MtPriority:          true,
		FutureRelease:       true,
		DeliverBy:           true,
		Limits:              true,
		MaxRecipients:       cfg.MaxRecipients,
		MaxTransactions:     cfg.MaxTransactions,
		MaxMessageSize:      cfg.MaxMessageSize,
	}
	if cfg.TLSConfig != nil && !tlsActive {
		ext.StartTLS = true
	}
	if cfg.Realm != nil && !authDone && !(cfg.AuthRequired && !tlsActive) {
		ext.AuthMechanisms = cfg.Realm.Mechanisms()
	}
	if cfg.IsXclientAuthorized != nil && remoteIP != nil && cfg.IsXclientAuthorized(remoteIP) {
		ext.XClient = true
	}
	return ext
}

// EhloLines renders the capability lines that follow the greeting in an
// EHLO reply, in the order spec.md §4.4 specifies: SIZE, 8BITMIME,
// SMTPUTF8, PIPELINING, CHUNKING, BINARYMIME, ENHANCEDSTATUSCODES, DSN,
// LIMITS, STARTTLS, AUTH, REQUIRETLS, MT-PRIORITY, FUTURERELEASE,
// DELIVERBY, XCLIENT.
func (e ExtensionSet) EhloLines() []string {
	var lines []string
	if e.Size > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", e.Size))
	} else {
		lines = append(lines, "SIZE")
	}
	if e.EightBitMime {
		lines = append(lines, "8BITMIME")
	}
	if e.SMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if e.Pipelining {
		lines = append(lines, "PIPELINING")
	}
	if e.Chunking {
		lines = append(lines, "CHUNKING")
	}
	if e.BinaryMime {
		lines = append(lines, "BINARYMIME")
	}
	if e.EnhancedStatusCodes {
		lines = append(lines, "ENHANCEDSTATUSCODES")
	}
	if e.Dsn {
		lines = append(lines, "DSN")
	}
	if e.Limits {
		line := fmt.Sprintf("LIMITS RCPTMAX=%d", e.MaxRecipients)
		if e.MaxTransactions != 0 {
			line += fmt.Sprintf(" MAILMAX=%d", e.MaxTransactions)
		}
		lines = append(lines, line)
	}
	if e.StartTLS {
		lines = append(lines, "STARTTLS")
	}
	if len(e.AuthMechanisms) > 0 {
		line := "AUTH"
		for _, m := range e.AuthMechanisms {
			line += " " + m
		}
		lines = append(lines, line)
	}
	if e.RequireTLS {
		lines = append(lines, "REQUIRETLS")
	}
	if e.MtPriority {
		lines = append(lines, "MT-PRIORITY")
	}
	if e.FutureRelease {
		lines = append(lines, "FUTURERELEASE")
	}
	if e.DeliverBy {
		lines = append(lines, "DELIVERBY")
	}
	if e.XClient {
		lines = append(lines, "XCLIENT")
	}
	return lines
}
