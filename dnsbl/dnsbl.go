// Package dnsbl checks a connecting IP address against DNS-based spam
// blacklists: the reversed-octet A-record lookup trick (spec.md §5 names
// blacklist lookups as an optional pipeline hook, not a hard gate).
//
// Grounded on HouzuoGuo-laitos's daemon/smtpd/blacklist.go, generalized
// from a fixed two-server list with a bare fmt.Println debug line into a
// configurable, context-aware Checker with the debug print removed.
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultLookupServers are well-known DNSBL services, carried over from
// laitos's SpamBlacklistLookupServers.
var DefaultLookupServers = []string{"dnsbl.sorbs.net", "bl.spamcop.net"}

// Checker looks an IPv4 address up against a list of DNSBL servers.
type Checker struct {
	Servers  []string
	Resolver *net.Resolver // nil uses net.DefaultResolver
	Timeout  time.Duration
}

// NewChecker returns a Checker using DefaultLookupServers and a 1-second
// timeout, matching laitos's constants.
func NewChecker() *Checker {
	return &Checker{Servers: DefaultLookupServers, Timeout: 1 * time.Second}
}

func (c *Checker) resolver() *net.Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return net.DefaultResolver
}

// lookupName builds the reversed-octet query name, eg "4.3.2.1.bl.spamcop.net"
// for suspect IP "1.2.3.4" against lookup domain "bl.spamcop.net".
func lookupName(suspect net.IP, domain string) (string, error) {
	v4 := suspect.To4()
	if v4 == nil {
		return "", fmt.Errorf("dnsbl: %s is not a valid IPv4 address", suspect)
	}
	return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], domain), nil
}

// IsBlacklisted reports whether suspect is listed by any of the Checker's
// servers. A DNS resolution that succeeds (any answer at all) means the
// list considers the address blacklisted; failure to resolve, or an
// overall timeout, means not blacklisted as far as this check can tell.
func (c *Checker) IsBlacklisted(ctx context.Context, suspect net.IP) bool {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	result := make(chan bool, len(c.Servers))
	for _, domain := range c.Servers {
		domain := domain
		go func() {
			name, err := lookupName(suspect, domain)
			if err != nil {
				result <- false
				return
			}
			_, err = c.resolver().LookupIPAddr(ctx, name)
			result <- err == nil
		}()
	}

	for range c.Servers {
		select {
		case hit := <-result:
			if hit {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}
