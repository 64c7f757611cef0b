// Package events fans transcript responses out to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lexiqai/transcription-gateway/internal/observability"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

// Event is the payload written to the transcript topics. Debug audio is
// never published.
type Event struct {
	MeetingID     string                  `json:"meeting_id"`
	ParticipantID string                  `json:"participant_id"`
	ID            string                  `json:"id"`
	Timestamp     int64                   `json:"ts"`
	Text          string                  `json:"text"`
	Type          transcript.ResponseType `json:"type"`
	Variance      float64                 `json:"variance"`
}

// Config holds Kafka publisher configuration
type Config struct {
	Brokers        []string
	TopicInterim   string
	TopicFinal     string
	PublishInterim bool
	Enabled        bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes final (and optionally interim) transcripts to separate
// topics, keyed by meeting id so a meeting's events stay ordered within a
// partition. Writes are asynchronous so a slow broker never stalls a
// meeting connection.
type Publisher struct {
	writerInterim  messageWriter
	writerFinal    messageWriter
	topicInterim   string
	topicFinal     string
	publishInterim bool
	enabled        bool
	brokers        []string
	dialer         *kafka.Dialer
	log            zerolog.Logger
}

// New creates a publisher. A nil or disabled config yields a log-only publisher.
func New(cfg *Config) *Publisher {
	logger := observability.WithComponent("events")

	if cfg == nil {
		logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{log: logger}
	}

	p := &Publisher{
		topicInterim:   cfg.TopicInterim,
		topicFinal:     cfg.TopicFinal,
		publishInterim: cfg.PublishInterim,
		log:            logger,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerFinal = p.newWriter(cfg.Brokers, cfg.TopicFinal, transport)
	if cfg.PublishInterim {
		p.writerInterim = p.newWriter(cfg.Brokers, cfg.TopicInterim, transport)
	}
	p.enabled = true
	p.brokers = cfg.Brokers
	p.dialer = dialer

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_interim", cfg.TopicInterim).
		Str("topic_final", cfg.TopicFinal).
		Bool("publish_interim", cfg.PublishInterim).
		Msg("Kafka publisher initialized")

	return p
}

func (p *Publisher) newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    transport,
		Completion: func(messages []kafka.Message, err error) {
			observability.RecordPublish(topic, err)
			if err != nil {
				p.log.Error().Err(err).Str("topic", topic).Int("messages", len(messages)).Msg("Failed to write to Kafka")
			}
		},
	}
}

// Publish implements streaming.Publisher. Error responses are not published
// and interim responses only when enabled.
func (p *Publisher) Publish(ctx context.Context, meetingID string, resp *transcript.Response) error {
	switch resp.Type {
	case transcript.TypeFinal:
		return p.publish(ctx, p.writerFinal, p.topicFinal, meetingID, resp)
	case transcript.TypeInterim:
		if !p.publishInterim {
			return nil
		}
		return p.publish(ctx, p.writerInterim, p.topicInterim, meetingID, resp)
	default:
		return nil
	}
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, meetingID string, resp *transcript.Response) error {
	payload, err := json.Marshal(Event{
		MeetingID:     meetingID,
		ParticipantID: resp.ParticipantID,
		ID:            resp.ID,
		Timestamp:     resp.Timestamp,
		Text:          resp.Text,
		Type:          resp.Type,
		Variance:      resp.Variance,
	})
	if err != nil {
		return err
	}

	p.log.Debug().
		Str("topic", topic).
		Str("meeting_id", meetingID).
		RawJSON("payload", payload).
		Msg("Publishing transcript")

	if !p.enabled || writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(meetingID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(resp.Type)},
			{Key: "participantId", Value: []byte(resp.ParticipantID)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		observability.RecordPublish(topic, err)
		return err
	}
	return nil
}

// Check reports whether a broker is reachable. A disabled publisher is
// always ready.
func (p *Publisher) Check(ctx context.Context) (bool, error) {
	if !p.enabled {
		return true, nil
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return true, nil
	}
	return false, fmt.Errorf("no reachable kafka broker: %w", lastErr)
}

// Close flushes and closes the writers
func (p *Publisher) Close() error {
	var err error
	for _, w := range []messageWriter{p.writerInterim, p.writerFinal} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			p.log.Error().Err(e).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
