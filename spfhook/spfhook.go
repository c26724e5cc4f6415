// Package spfhook wires github.com/gopistolet/gospf into a MailStage
// handler hook that checks the connecting IP against the reverse-path
// domain's SPF record (RFC 7208), as a sample of the "DNS resolution /
// SPF checking" external collaborator spec.md §1 names.
//
// Like maildirstore, the teacher declares this dependency but never
// imports it, and no source copy is available in the example pack: the
// Check(ip, domain, sender) (gospf.Result, error) signature below is a
// best-effort reconstruction of gospf's documented usage, not something
// read from source. See DESIGN.md.
package spfhook

import (
	"net"

	"github.com/gopistolet/gospf"

	"github.com/sentrymail/sentrymail/smtp"
)

// Policy decides how each SPF result should affect the MAIL FROM decision.
type Policy struct {
	// RejectFail hard-rejects a sender whose SPF record returns Fail.
	RejectFail bool
	// RejectSoftFail also rejects on SoftFail, a stricter policy than the
	// RFC recommends by default.
	RejectSoftFail bool
}

// Check runs an SPF check for txn.From against remote and applies policy,
// suitable for calling from a Handler's HandleMail before accepting the
// stage.
func Check(policy Policy, remote net.IP, txn smtp.Transaction) (accept bool, reply smtp.Reply) {
	if txn.From.IsZero() {
		// RFC 7208 §2.4: SPF does not apply to the null reverse-path.
		return true, smtp.Reply{}
	}

	result, err := gospf.Check(remote, txn.From.Domain, txn.From.String())
	if err != nil {
		return true, smtp.Reply{} // fail open on a resolver error
	}

	switch result {
	case gospf.Fail:
		if policy.RejectFail {
			return false, smtp.NewReply(550, "5.7.1", "SPF check failed for "+txn.From.Domain)
		}
	case gospf.SoftFail:
		if policy.RejectSoftFail {
			return false, smtp.NewReply(550, "5.7.1", "SPF soft-fail for "+txn.From.Domain)
		}
	}
	return true, smtp.Reply{}
}
