package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

const dnsJSONMediaType = "application/dns-json"

// JSONUpstream queries the DNS-over-HTTPS JSON API offered by the large
// public resolvers (Cloudflare, Google, Quad9).
type JSONUpstream struct {
	name     string
	endpoint string
	client   *http.Client
}

type jsonRecord struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

type jsonResponse struct {
	Status    int          `json:"Status"`
	TC        bool         `json:"TC"`
	Answer    []jsonRecord `json:"Answer"`
	Authority []jsonRecord `json:"Authority"`
}

func NewJSONUpstream(name, endpoint string, client *http.Client) *JSONUpstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONUpstream{name: name, endpoint: endpoint, client: client}
}

func (j *JSONUpstream) Name() string {
	return j.name
}

func (j *JSONUpstream) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if len(query.Question) == 0 {
		return nil, fmt.Errorf("query has no question")
	}
	question := query.Question[0]

	target, err := url.Parse(j.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	params := target.Query()
	params.Set("name", strings.TrimSuffix(question.Name, "."))
	params.Set("type", dns.TypeToString[question.Qtype])
	target.RawQuery = params.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", dnsJSONMediaType)
	request.Header.Set("User-Agent", userAgent)

	resp, err := j.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http request failed with %s", resp.Status)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "json") {
		return nil, &parseError{err: fmt.Errorf("unexpected content type %q", contentType)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var parsed jsonResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &parseError{err: err}
	}

	return parsed.toMsg(query)
}

func (r jsonResponse) toMsg(query *dns.Msg) (*dns.Msg, error) {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Rcode = r.Status
	reply.Truncated = r.TC

	answers, err := jsonRecordsToRR(r.Answer)
	if err != nil {
		return nil, err
	}
	authority, err := jsonRecordsToRR(r.Authority)
	if err != nil {
		return nil, err
	}
	reply.Answer = answers
	reply.Ns = authority

	return reply, nil
}

func jsonRecordsToRR(records []jsonRecord) ([]dns.RR, error) {
	out := make([]dns.RR, 0, len(records))
	for _, record := range records {
		typeName, ok := dns.TypeToString[record.Type]
		if !ok {
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", dns.Fqdn(record.Name), record.TTL, typeName, record.Data))
		if err != nil {
			switch record.Type {
			case dns.TypeA, dns.TypeAAAA, dns.TypeSOA:
				return nil, &parseError{err: fmt.Errorf("record %q: %w", record.Data, err)}
			default:
				continue
			}
		}
		if rr != nil {
			out = append(out, rr)
		}
	}
	return out, nil
}
