package resolver

import (
	"context"

	"github.com/miekg/dns"
)

// PlainUpstream speaks classic DNS to one server.
type PlainUpstream struct {
	addr    string
	network string
}

func NewPlainUpstream(addr, network string) *PlainUpstream {
	return &PlainUpstream{addr: addr, network: network}
}

func (p *PlainUpstream) Name() string {
	return p.network + "://" + p.addr
}

func (p *PlainUpstream) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	client := &dns.Client{Net: p.network, UDPSize: dns.DefaultMsgSize}

	reply, _, err := client.ExchangeContext(ctx, query, p.addr)
	if err != nil {
		return nil, err
	}

	if reply.Truncated && p.network == "udp" {
		tcp := &dns.Client{Net: "tcp"}
		reply, _, err = tcp.ExchangeContext(ctx, query, p.addr)
		if err != nil {
			return nil, err
		}
	}

	return reply, nil
}
