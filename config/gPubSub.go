package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// TransitionEventMessage is the Pub/Sub payload for a committed status change.
type TransitionEventMessage struct {
	EventId       int       `json:"event_id"`
	TenantId      string    `json:"tenant_id"`
	Entity        string    `json:"entity"`
	EntityId      int       `json:"entity_id"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	ActorId       string    `json:"actor_id"`
	CorrelationId string    `json:"correlation_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewPubSubClient uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func NewPubSubClient(ctx context.Context, cfg PubSubConfig, maxAttempts int, logg *logrus.Logger) (*pubsub.Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var attempt int
	for {
		attempt++
		var (
			c   *pubsub.Client
			err error
		)
		if cfg.CredentialsJSON != "" {
			c, err = pubsub.NewClient(ctx, cfg.ProjectID, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, cfg.ProjectID)
		}
		if err == nil {
			logg.WithFields(logrus.Fields{
				"field":      "pubsub",
				"project_id": cfg.ProjectID,
				"attempt":    attempt,
			}).Info("pubsub client ready")
			return c, nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, fmt.Errorf("init pubsub client after %d attempt(s): %w", attempt, err)
		}
		sleep := utils.RetryBackoff(attempt)
		logg.WithFields(logrus.Fields{
			"field":      "pubsub",
			"project_id": cfg.ProjectID,
			"attempt":    attempt,
		}).Warn("failed to init pubsub client; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}
