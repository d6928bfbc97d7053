package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const defaultDNSTimeout = 5 * time.Second

// Resolver looks up TXT records. Each returned string is one record with its
// character-strings concatenated.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSResolver queries a single DNS server directly.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver builds a resolver for server ("host:port"). An empty server
// falls back to the first nameserver in /etc/resolv.conf.
func NewDNSResolver(server string, timeout time.Duration) (*DNSResolver, error) {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no nameserver configured")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}, nil
}

// LookupTXT implements Resolver. Truncated UDP answers are retried over TCP.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(strings.TrimSpace(name)), dns.TypeTXT)
	query.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, query, r.server)
	if err == nil && resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		resp, _, err = tcp.ExchangeContext(ctx, query, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("query TXT %s: %w", name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query TXT %s: %s", name, dns.RcodeToString[resp.Rcode])
	}
	var records []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}
