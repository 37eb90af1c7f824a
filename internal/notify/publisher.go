// Package notify publishes committed item changes to MQTT so SCADA
// dashboards and other subscribers can follow the proxy's state.
//
// Each change is published retained to opcproxy/item/{name}/state:
//
//	{"item":"speed","type":"WORD","value":"42","quality":"Good","source":"client","timestamp":"..."}
//
// The publisher is an observer of the dispatcher. ItemChanged never blocks:
// changes are queued and published by Run. When the queue is full the
// change is dropped and counted.
package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nerrad567/opcproxy/internal/infrastructure/mqtt"
	"github.com/nerrad567/opcproxy/internal/item"
)

// DefaultQueueSize is the number of changes buffered before dropping.
const DefaultQueueSize = 1024

// Publisher is the subset of the MQTT client used for state publication.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// Logger is the logging interface used by the state publisher.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// StateMessage is the retained payload for one item.
type StateMessage struct {
	Item      string       `json:"item"`
	Type      item.Type    `json:"type"`
	Value     string       `json:"value"`
	Quality   item.Quality `json:"quality"`
	Source    item.Source  `json:"source"`
	Timestamp string       `json:"timestamp"`
}

// StatePublisher forwards item changes to MQTT.
//
// Thread Safety: ItemChanged may be called from any goroutine. Run must be
// called exactly once.
type StatePublisher struct {
	client Publisher
	logger Logger
	topics mqtt.Topics
	queue  chan item.Change

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewStatePublisher creates a publisher. A queueSize of zero or less uses
// DefaultQueueSize.
func NewStatePublisher(client Publisher, queueSize int, logger Logger) *StatePublisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &StatePublisher{
		client: client,
		logger: logger,
		queue:  make(chan item.Change, queueSize),
	}
}

// ItemChanged queues ch for publication.
func (p *StatePublisher) ItemChanged(ch item.Change) {
	select {
	case p.queue <- ch:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warn("state publish queue full, dropping changes", "item", ch.Name, "dropped", p.dropped.Load())
		}
	}
}

// Run publishes queued changes until ctx is cancelled. Changes still queued
// at cancellation are published before returning.
func (p *StatePublisher) Run(ctx context.Context) {
	for {
		select {
		case ch := <-p.queue:
			p.publish(ch)
		case <-ctx.Done():
			for {
				select {
				case ch := <-p.queue:
					p.publish(ch)
				default:
					return
				}
			}
		}
	}
}

// Published returns the number of changes published.
func (p *StatePublisher) Published() uint64 { return p.published.Load() }

// Dropped returns the number of changes dropped because the queue was full.
func (p *StatePublisher) Dropped() uint64 { return p.dropped.Load() }

func (p *StatePublisher) publish(ch item.Change) {
	payload, err := json.Marshal(newStateMessage(ch))
	if err != nil {
		p.logger.Warn("encoding state message failed", "item", ch.Name, "error", err)
		return
	}

	topic := p.topics.ItemState(ch.Name)
	if err := p.client.PublishRetained(topic, payload); err != nil {
		p.logger.Debug("state publish failed", "topic", topic, "error", err)
		return
	}
	p.published.Add(1)
}

func newStateMessage(ch item.Change) StateMessage {
	at := ch.At
	if at.IsZero() {
		at = time.Now()
	}
	return StateMessage{
		Item:      ch.Name,
		Type:      ch.Type,
		Value:     ch.Value,
		Quality:   ch.Quality,
		Source:    ch.Source,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}
