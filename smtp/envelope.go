package smtp

import (
	"strconv"
	"strings"
	"time"
)

// Notify is the DSN NOTIFY parameter (RFC 3461 §4.1), a set of trigger
// conditions for a delivery status notification.
type Notify int

const (
	NotifyUnset Notify = 0
	NotifySuccess Notify = 1 << iota
	NotifyFailure
	NotifyDelay
	NotifyNever
)

// (NotifySuccess starts at 1<<1 because NotifyUnset occupies iota 0; the
// bit values only need to be distinct, not contiguous from 1.)

func parseNotify(raw string) (Notify, error) {
	var n Notify
	for _, tok := range strings.Split(raw, ",") {
		switch strings.ToUpper(strings.TrimSpace(tok)) {
		case "SUCCESS":
			n |= NotifySuccess
		case "FAILURE":
			n |= NotifyFailure
		case "DELAY":
			n |= NotifyDelay
		case "NEVER":
			n |= NotifyNever
		default:
			return 0, ErrBadSyntax
		}
	}
	if n&NotifyNever != 0 && n != NotifyNever {
		return 0, ErrBadSyntax // RFC 3461 §4.1: NEVER must not be combined
	}
	return n, nil
}

// DeliveryRequirements carries the per-transaction MAIL FROM parameters that
// constrain how the message may be relayed onward (spec.md §3): REQUIRETLS,
// MT-PRIORITY, FUTURERELEASE, DELIVERBY, and the transaction-level DSN
// fields RET/ENVID.
type DeliveryRequirements struct {
	RequireTLS bool

	// Priority is the MT-PRIORITY value, RFC 6710 §3.1, range -9..9.
	HasPriority bool
	Priority    int8

	// ReleaseAt is the FUTURERELEASE absolute release time, RFC 4865 §3;
	// zero if FUTURERELEASE was not given. Both forms are normalized to an
	// absolute time here (HOLDFOR is added to the time of parsing).
	HasFutureRelease bool
	ReleaseAt        time.Time

	// DeliverBy, RFC 2852 §4: deadline and whether "R" (return if undeliverable by
	// deadline) or "N" (notify only) trace-mode was requested.
	HasDeliverBy bool
	DeliverByMode byte // 'R' or 'N'
	DeliverByTime time.Time

	// Ret is the DSN RET parameter: "FULL" or "HDRS", RFC 3461 §4.3.
	Ret string

	// Envid is the DSN ENVID parameter, xtext-decoded, RFC 3461 §4.4.
	Envid string
}

// Recipient is one RCPT TO forward-path together with its per-recipient DSN
// parameters (spec.md §3).
type Recipient struct {
	Address Address
	Notify  Notify
	Orcpt   string // xtext-decoded ORCPT, RFC 3461 §4.2; "" if absent
}

// Transaction is the in-progress mail transaction envelope: the state
// accumulated between MAIL FROM and the end of DATA/BDAT (spec.md §3,
// "Transaction"). A session holds at most one live Transaction at a time.
type Transaction struct {
	From Address

	EightBit   bool // BODY=8BITMIME
	BinaryMime bool // BODY=BINARYMIME
	SMTPUTF8   bool

	DeclaredSize int64 // SIZE= parameter, 0 if not given
	Requirements DeliveryRequirements

	Recipients []Recipient

	// BytesReceived is the DATA/BDAT payload octet count, set once DATA
	// completes and after each BDAT chunk. MaxMessageSize itself is enforced
	// by the Pipeline as bytes are written, without buffering the message.
	BytesReceived int64
}

// AddRecipient appends rcpt to the transaction's recipient list.
func (t *Transaction) AddRecipient(rcpt Recipient) {
	t.Recipients = append(t.Recipients, rcpt)
}

// parseMailParams interprets the ESMTP parameters of a MAIL FROM command
// against the extensions currently in effect, returning a zero-value
// Transaction populated from them. ext controls which keywords are
// recognized; an unrecognized keyword when its extension is off yields
// ErrBadSyntax with the parameter name, for the caller to turn into a 504.
func parseMailParams(from Address, params map[string]string, ext ExtensionSet) (Transaction, string, error) {
	txn := Transaction{From: from}
	for key, val := range params {
		switch key {
		case "SIZE":
			// SIZE is always advertised (ExtensionSet.EhloLines), so it is
			// never rejected as an extension that is off.
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || n < 0 {
				return txn, key, ErrBadSyntax
			}
			txn.DeclaredSize = n
		case "BODY":
			switch strings.ToUpper(val) {
			case "8BITMIME":
				if !ext.EightBitMime {
					return txn, key, ErrBadSyntax
				}
				txn.EightBit = true
			case "BINARYMIME":
				if !ext.BinaryMime {
					return txn, key, ErrBadSyntax
				}
				txn.BinaryMime = true
			case "7BIT":
				// explicit default, nothing to set
			default:
				return txn, key, ErrBadSyntax
			}
		case "SMTPUTF8":
			if !ext.SMTPUTF8 {
				return txn, key, ErrBadSyntax
			}
			txn.SMTPUTF8 = true
		case "REQUIRETLS":
			if !ext.RequireTLS {
				return txn, key, ErrBadSyntax
			}
			txn.Requirements.RequireTLS = true
		case "MT-PRIORITY":
			if !ext.MtPriority {
				return txn, key, ErrBadSyntax
			}
			p, err := strconv.Atoi(val)
			if err != nil || p < -9 || p > 9 {
				return txn, key, ErrBadSyntax
			}
			txn.Requirements.HasPriority = true
			txn.Requirements.Priority = int8(p)
		case "HOLDFOR", "HOLDUNTIL":
			if !ext.FutureRelease {
				return txn, key, ErrBadSyntax
			}
			t, err := parseFutureRelease(key, val)
			if err != nil {
				return txn, key, err
			}
			txn.Requirements.HasFutureRelease = true
			txn.Requirements.ReleaseAt = t
		case "BY":
			if !ext.DeliverBy {
				return txn, key, ErrBadSyntax
			}
			d, mode, err := parseDeliverBy(val)
			if err != nil {
				return txn, key, err
			}
			txn.Requirements.HasDeliverBy = true
			txn.Requirements.DeliverByTime = time.Now().Add(d)
			txn.Requirements.DeliverByMode = mode
		case "RET":
			if !ext.Dsn {
				return txn, key, ErrBadSyntax
			}
			up := strings.ToUpper(val)
			if up != "FULL" && up != "HDRS" {
				return txn, key, ErrBadSyntax
			}
			txn.Requirements.Ret = up
		case "ENVID":
			if !ext.Dsn {
				return txn, key, ErrBadSyntax
			}
			decoded, err := xtextDecode(val)
			if err != nil {
				return txn, key, err
			}
			txn.Requirements.Envid = decoded
		default:
			return txn, key, ErrBadSyntax
		}
	}
	return txn, "", nil
}

// parseRcptParams interprets the ESMTP parameters of a RCPT TO command.
func parseRcptParams(addr Address, params map[string]string, ext ExtensionSet) (Recipient, string, error) {
	rcpt := Recipient{Address: addr}
	for key, val := range params {
		switch key {
		case "NOTIFY":
			if !ext.Dsn {
				return rcpt, key, ErrBadSyntax
			}
			n, err := parseNotify(val)
			if err != nil {
				return rcpt, key, err
			}
			rcpt.Notify = n
		case "ORCPT":
			if !ext.Dsn {
				return rcpt, key, ErrBadSyntax
			}
			// "rfc822;local@domain" form: keep the type prefix as-is apart
			// from xtext-decoding the address portion, RFC 3461 §4.2.
			idx := strings.IndexByte(val, ';')
			if idx == -1 {
				return rcpt, key, ErrBadSyntax
			}
			addrType, encoded := val[:idx], val[idx+1:]
			decoded, err := xtextDecode(encoded)
			if err != nil {
				return rcpt, key, err
			}
			rcpt.Orcpt = addrType + ";" + decoded
		default:
			return rcpt, key, ErrBadSyntax
		}
	}
	return rcpt, "", nil
}

// parseFutureRelease parses RFC 4865 §3's HOLDFOR (relative seconds) and
// HOLDUNTIL (absolute RFC 3339-ish date-time) forms into an absolute time.
func parseFutureRelease(key, val string) (time.Time, error) {
	if key == "HOLDFOR" {
		secs, err := strconv.ParseInt(val, 10, 64)
		if err != nil || secs < 0 {
			return time.Time{}, ErrBadSyntax
		}
		return time.Now().Add(time.Duration(secs) * time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, ErrBadSyntax
	}
	return t, nil
}

// parseDeliverBy parses RFC 2852 §4's BY=time;mode parameter, eg "BY=3600;R".
func parseDeliverBy(val string) (time.Duration, byte, error) {
	idx := strings.IndexByte(val, ';')
	if idx == -1 {
		return 0, 0, ErrBadSyntax
	}
	secs, err := strconv.ParseInt(val[:idx], 10, 64)
	if err != nil {
		return 0, 0, ErrBadSyntax
	}
	mode := val[idx+1:]
	if mode != "R" && mode != "N" {
		return 0, 0, ErrBadSyntax
	}
	return time.Duration(secs) * time.Second, mode[0], nil
}
