package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubPublisher publishes JSON messages to one topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func getPubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// NewAuditPublisher returns a publisher for PUBSUB_AUDIT_TOPIC, or
// (nil, nil) when the topic is not configured.
func NewAuditPublisher(ctx context.Context) (*PubSubPublisher, error) {
	topicName := os.Getenv("PUBSUB_AUDIT_TOPIC")
	if topicName == "" {
		return nil, nil
	}
	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var (
		client *pubsub.Client
		err    error
	)
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		client, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
		client, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("pubsub audit publisher ready (project_id=%s topic=%s)", projectID, topicName)
	return &PubSubPublisher{client: client, topic: client.Topic(topicName)}, nil
}

// Publish marshals msg and waits for the server-assigned message ID. A nil
// publisher drops the message.
func (p *PubSubPublisher) Publish(ctx context.Context, msg any) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	return result.Get(ctx)
}

func (p *PubSubPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.topic.Stop()
	return p.client.Close()
}
