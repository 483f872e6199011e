package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	RequestsChannel  = "dnswarden:notify:requests"
	DecisionsChannel = "dnswarden:notify:decisions"
	VotesChannel     = "dnswarden:notify:votes"

	redisPublishTimeout = 5 * time.Second
	voteHandlerTimeout  = 30 * time.Second
)

var subscribeBackoff = time.Second

// ErrNoSubscribers means a message was published while no bridge was
// listening, so nobody will see it.
var ErrNoSubscribers = errors.New("notify: no subscribers on channel")

// RedisChannel publishes requests and decisions as JSON over redis pub/sub
// and listens for votes published back by the chat bridge.
type RedisChannel struct {
	client *redis.Client
}

type requestEnvelope struct {
	MessageRef string `json:"message_ref"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	ConsensusRequest
}

type decisionEnvelope struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	DecisionUpdate
}

func NewRedisChannel(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client}
}

func (c *RedisChannel) RequestConsensus(ctx context.Context, req ConsensusRequest) (string, error) {
	ref := uuid.NewString()

	payload, err := json.Marshal(requestEnvelope{
		MessageRef:       ref,
		Title:            req.Title(),
		Content:          req.Content(),
		ConsensusRequest: req,
	})
	if err != nil {
		return "", fmt.Errorf("notify: encode consensus request: %w", err)
	}

	if err := c.publish(ctx, RequestsChannel, payload); err != nil {
		return "", err
	}
	return ref, nil
}

func (c *RedisChannel) UpdateDecision(ctx context.Context, update DecisionUpdate) error {
	payload, err := json.Marshal(decisionEnvelope{
		Title:          update.Title(),
		Content:        update.Content(),
		DecisionUpdate: update,
	})
	if err != nil {
		return fmt.Errorf("notify: encode decision update: %w", err)
	}
	return c.publish(ctx, DecisionsChannel, payload)
}

func (c *RedisChannel) publish(ctx context.Context, channel string, payload []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()

	receivers, err := c.client.Publish(opCtx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("notify: publish to %s: %w", channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, channel)
	}
	return nil
}

// Listen forwards vote events to handler until ctx is cancelled.
func (c *RedisChannel) Listen(ctx context.Context, handler VoteHandler) {
	if handler == nil {
		log.Warn("Vote listener disabled: handler is nil")
		return
	}

	pubsub := c.client.Subscribe(ctx, VotesChannel)
	defer pubsub.Close()

	log.Info("Listening for votes", "channel", VotesChannel)
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Vote listener: subscription error", "error", err)
			time.Sleep(subscribeBackoff)
			continue
		}

		handleVoteMessage(ctx, msg.Payload, handler)
	}
}

func handleVoteMessage(ctx context.Context, payload string, handler VoteHandler) bool {
	var event VoteEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Error("Vote listener: invalid payload", "error", err)
		return false
	}
	if err := event.Validate(); err != nil {
		log.Warn("Vote listener: rejected event", "error", err)
		return false
	}

	handlerCtx, cancel := context.WithTimeout(ctx, voteHandlerTimeout)
	defer cancel()

	if err := handler(handlerCtx, event); err != nil {
		log.Warn("Vote listener: vote not applied", "message_ref", event.MessageRef, "voter", event.Voter, "error", err)
		return false
	}
	return true
}
