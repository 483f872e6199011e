// Package notify delivers consensus requests and decision updates to the
// people who vote on new addresses, and feeds their votes back.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Channel is the outbound side of the voting conversation. Implementations
// must be safe for concurrent use.
type Channel interface {
	// RequestConsensus posts a vote request and returns the reference votes
	// will carry.
	RequestConsensus(ctx context.Context, req ConsensusRequest) (string, error)
	UpdateDecision(ctx context.Context, update DecisionUpdate) error
}

// VoteHandler receives vote events arriving from a channel.
type VoteHandler func(ctx context.Context, event VoteEvent) error

// AddressAnnotation carries optional network metadata about an address.
type AddressAnnotation struct {
	IP           string `json:"ip"`
	Country      string `json:"country,omitempty"`
	ASN          uint   `json:"asn,omitempty"`
	Organization string `json:"organization,omitempty"`
	NetworkType  string `json:"network_type,omitempty"`
}

type ChangeSummary struct {
	Type      string   `json:"type"`
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

type ConsensusRequest struct {
	DomainID          uint                `json:"domain_id"`
	Domain            string              `json:"domain"`
	UnknownAddresses  []string            `json:"unknown_addresses"`
	CurrentAddresses  []string            `json:"current_addresses"`
	Change            ChangeSummary       `json:"change"`
	Annotations       []AddressAnnotation `json:"annotations,omitempty"`
	MinVotes          int                 `json:"min_votes"`
	MajorityThreshold float64             `json:"majority_threshold"`
	ExpiresAt         time.Time           `json:"expires_at"`
}

// Title is the headline shown with the request.
func (r ConsensusRequest) Title() string {
	return fmt.Sprintf("DNS change detected for %s", r.Domain)
}

// Content renders the request as plain text, used for the audit log and by
// channels without rich formatting.
func (r ConsensusRequest) Content() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Domain: %s\n", r.Domain)
	fmt.Fprintf(&b, "Change type: %s\n", humanizeChangeType(r.Change.Type))
	fmt.Fprintf(&b, "New unknown IPs: %s\n", strings.Join(r.UnknownAddresses, ", "))
	fmt.Fprintf(&b, "All current IPs: %s\n", strings.Join(r.CurrentAddresses, ", "))
	if len(r.Change.Removed) > 0 {
		fmt.Fprintf(&b, "Removed IPs: %s\n", strings.Join(r.Change.Removed, ", "))
	}
	for _, a := range r.Annotations {
		fmt.Fprintf(&b, "%s: %s\n", a.IP, a.describe())
	}
	fmt.Fprintf(&b, "Voting closes at %s or when %d+ votes reach a %d%% majority",
		r.ExpiresAt.UTC().Format(time.RFC3339), r.MinVotes, int(r.MajorityThreshold*100))
	return b.String()
}

func (a AddressAnnotation) describe() string {
	var parts []string
	if a.Country != "" {
		parts = append(parts, a.Country)
	}
	if a.ASN != 0 {
		parts = append(parts, fmt.Sprintf("AS%d", a.ASN))
	}
	if a.Organization != "" {
		parts = append(parts, a.Organization)
	}
	if a.NetworkType != "" {
		parts = append(parts, a.NetworkType)
	}
	if len(parts) == 0 {
		return "no network information"
	}
	return strings.Join(parts, " / ")
}

type DecisionUpdate struct {
	MessageRef   string    `json:"message_ref"`
	SessionID    uint      `json:"session_id"`
	DomainID     uint      `json:"domain_id"`
	Domain       string    `json:"domain"`
	IPAddress    string    `json:"ip_address"`
	Approved     bool      `json:"approved"`
	Reason       string    `json:"reason"`
	ApproveVotes int       `json:"approve_votes"`
	RejectVotes  int       `json:"reject_votes"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

func (u DecisionUpdate) Title() string {
	if u.Approved {
		return fmt.Sprintf("%s marked as known for %s", u.IPAddress, u.Domain)
	}
	return fmt.Sprintf("%s kept as unknown for %s", u.IPAddress, u.Domain)
}

func (u DecisionUpdate) Content() string {
	result := "Future occurrences will generate alert notifications."
	if u.Approved {
		result = "Future occurrences will be silently logged."
	}
	return fmt.Sprintf("%s\nReason: %s (%d approve / %d reject)", result, u.Reason, u.ApproveVotes, u.RejectVotes)
}

// VoteEvent is one voter's choice. SessionID addresses a single session;
// otherwise MessageRef selects every session opened by that request,
// optionally narrowed by IPAddress.
type VoteEvent struct {
	MessageRef string `json:"message_ref,omitempty"`
	SessionID  uint   `json:"session_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	Voter      string `json:"voter"`
	Approve    bool   `json:"approve"`
}

// Validate reports whether the event can be applied.
func (e VoteEvent) Validate() error {
	if strings.TrimSpace(e.Voter) == "" {
		return fmt.Errorf("notify: vote event without voter")
	}
	if e.SessionID == 0 && strings.TrimSpace(e.MessageRef) == "" {
		return fmt.Errorf("notify: vote event needs a session id or message reference")
	}
	return nil
}

func humanizeChangeType(changeType string) string {
	if changeType == "" {
		return "unknown"
	}
	return strings.ReplaceAll(changeType, "_", " ")
}
