package notify

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// LocalRefPrefix marks message references that were never delivered to a
// chat bridge.
const LocalRefPrefix = "local:"

// LogChannel writes requests and decisions to the log. Votes then arrive only
// through the HTTP API.
type LogChannel struct {
	logger *log.Logger
}

func NewLogChannel(logger *log.Logger) *LogChannel {
	if logger == nil {
		logger = log.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) RequestConsensus(_ context.Context, req ConsensusRequest) (string, error) {
	ref := NewLocalRef()
	c.logger.Warn(req.Title(),
		"message_ref", ref,
		"change_type", req.Change.Type,
		"unknown", strings.Join(req.UnknownAddresses, ","),
		"current", strings.Join(req.CurrentAddresses, ","),
		"expires_at", req.ExpiresAt,
	)
	return ref, nil
}

func (c *LogChannel) UpdateDecision(_ context.Context, update DecisionUpdate) error {
	c.logger.Info(update.Title(),
		"message_ref", update.MessageRef,
		"session_id", update.SessionID,
		"reason", update.Reason,
		"approve_votes", update.ApproveVotes,
		"reject_votes", update.RejectVotes,
	)
	return nil
}

// NewLocalRef returns a reference for sessions whose request was not
// delivered anywhere.
func NewLocalRef() string {
	return LocalRefPrefix + uuid.NewString()
}
