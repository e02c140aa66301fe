package instancedir

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/mzekb/mze-storage/interfaces"
)

// DefaultDNSServer is the local stub resolver.
const DefaultDNSServer = "127.0.0.53:53"

// DNS locates instances through TXT records of the form
//
//	<instance id>.<zone>. TXT "url=https://notes.example.org"
//
// A bare URL is accepted as the TXT value as well. Answers are cached for the
// configured TTL.
type DNS struct {
	zone   string
	server string
	client *dns.Client
	cache  *expirable.LRU[interfaces.InstanceID, *url.URL]
	log    *slog.Logger
}

// NewDNS creates a DNS directory for zone, asking server (host:port).
func NewDNS(zone, server string, timeout, ttl time.Duration, log *slog.Logger) *DNS {
	if server == "" {
		server = DefaultDNSServer
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DNS{
		zone:   dns.Fqdn(zone),
		server: server,
		client: &dns.Client{Timeout: timeout},
		cache:  expirable.NewLRU[interfaces.InstanceID, *url.URL](1024, nil, ttl),
		log:    log,
	}
}

// Locate resolves the TXT record of instance.
func (d *DNS) Locate(ctx context.Context, instance interfaces.InstanceID) (*url.URL, error) {
	if u, ok := d.cache.Get(instance); ok {
		c := *u
		return &c, nil
	}

	name := instance.String() + "." + d.zone

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeTXT)
	m.RecursionDesired = true

	in, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", name, err)
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: no instance record %s", interfaces.ErrNotFound, name)
	default:
		return nil, fmt.Errorf("query %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	for _, answer := range in.Answer {
		txt, ok := answer.(*dns.TXT)
		if !ok {
			continue
		}
		raw := strings.Join(txt.Txt, "")
		raw = strings.TrimPrefix(raw, "url=")

		u, err := parseBaseURL(raw)
		if err != nil {
			d.log.Debug("Ignoring malformed instance record",
				slog.String("name", name),
				slog.String("value", raw),
				"err", err)
			continue
		}

		d.cache.Add(instance, u)
		c := *u
		return &c, nil
	}

	return nil, fmt.Errorf("%w: no usable TXT record at %s", interfaces.ErrNotFound, name)
}

var (
	_ interfaces.InstanceDirectory = (*Static)(nil)
	_ interfaces.InstanceDirectory = (*DNS)(nil)
	_ interfaces.InstanceDirectory = Chain(nil)
)
