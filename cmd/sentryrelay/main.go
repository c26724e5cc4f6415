// Command sentryrelay is a small diagnostic tool: given a sender address
// and a connecting IP, it reports the SPF result and whether a DNSBL lists
// the IP, the same two DNS-based checks a relay would run before accepting
// a message from an unfamiliar source.
//
// This command exists to give the gospf and DNSBL dependencies a concrete,
// runnable home outside of the server's hot path (SPEC_FULL.md's DOMAIN STACK
// expansion), grounded on HouzuoGuo-laitos's standalone blacklist checking
// and the teacher's declared-but-unwired gospf dependency.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sentrymail/sentrymail/dnsbl"
	"github.com/sentrymail/sentrymail/smtp"
	"github.com/sentrymail/sentrymail/spfhook"
)

func main() {
	ipFlag := flag.String("ip", "", "connecting IPv4 address to check")
	fromFlag := flag.String("from", "", "reverse-path mailbox, eg user@example.com")
	flag.Parse()

	if *ipFlag == "" || *fromFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: sentryrelay -ip <addr> -from <mailbox>")
		os.Exit(2)
	}

	ip := net.ParseIP(*ipFlag)
	if ip == nil {
		fmt.Fprintf(os.Stderr, "sentryrelay: %q is not a valid IP address\n", *ipFlag)
		os.Exit(2)
	}
	addr, err := smtp.ParseMailbox(*fromFlag, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentryrelay: %v\n", err)
		os.Exit(2)
	}

	txn := smtp.Transaction{From: addr}
	accept, reply := spfhook.Check(spfhook.Policy{RejectFail: true}, ip, txn)
	fmt.Printf("spf: accept=%v reply=%q\n", accept, reply.Lines)

	checker := dnsbl.NewChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fmt.Printf("dnsbl: blacklisted=%v\n", checker.IsBlacklisted(ctx, ip))
}
