// Package mqttsink publishes the meter pipeline's JSON payloads and
// availability state to an MQTT broker, grounded on the connect/publish
// shape of berfenger's internal/mqtt client but adapted to this
// gateway's single-topic-family, dedup-and-bounded-queue contract.
package mqttsink

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Sink is the publish contract the meter pipeline's callbacks drive.
type Sink interface {
	PublishValues(payload []byte)
	PublishDevice(payload []byte)
	PublishAvailability(connected bool)
	Stats() Stats
}

// Config configures one MQTTSink.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	BaseTopic      string
	QueueLength    int
	PublishTimeout time.Duration
}

// Stats exposes each topic's drop counter for observability into the
// bounded queue's backpressure behavior.
type Stats struct {
	ValuesDropped       uint64
	DeviceDropped       uint64
	AvailabilityDropped uint64
}

// MQTTSink is the production Sink backed by eclipse/paho.mqtt.golang.
type MQTTSink struct {
	client mqtt.Client
	log    *zap.Logger
	cfg    Config

	valuesQueue *topicQueue
	deviceQueue *topicQueue
	availQueue  *topicQueue
}

// topicQueue is a bounded, drop-oldest FIFO with duplicate suppression
// by payload hash for one topic suffix. A single background worker
// drains it, one publish (and its broker round trip) at a time, so a
// slow or disconnected broker builds up a backlog locally instead of
// blocking the pipeline's producer goroutine.
type topicQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	topic    string
	capacity int
	items    [][]byte
	lastHash [32]byte
	haveLast bool
	dropped  uint64
	closed   bool

	publish func(topic string, payload []byte)
}

func newTopicQueue(topic string, capacity int, publish func(topic string, payload []byte)) *topicQueue {
	q := &topicQueue{topic: topic, capacity: capacity, publish: publish}
	q.cond = sync.NewCond(&q.mu)
	go q.drain()
	return q
}

// Enqueue pushes payload unless it's identical to the last payload
// already queued or published on this topic; on overflow the oldest
// queued item is dropped and the drop counter incremented.
func (q *topicQueue) Enqueue(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	hash := sha256.Sum256(payload)
	if q.haveLast && hash == q.lastHash {
		return
	}
	q.lastHash = hash
	q.haveLast = true

	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, payload)
	q.cond.Signal()
}

func (q *topicQueue) drain() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		payload := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.publish(q.topic, payload)
	}
}

func (q *topicQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *topicQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// New builds an MQTTSink and its underlying paho client, wired with a
// retained QoS1 publish contract and a last-will availability message.
func New(cfg Config, log *zap.Logger) *MQTTSink {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.WillEnabled = true
	opts.WillTopic = cfg.BaseTopic + "/availability"
	opts.WillPayload = []byte("disconnected")
	opts.WillRetained = true
	opts.WillQos = 1

	client := mqtt.NewClient(opts)

	s := &MQTTSink{client: client, log: log, cfg: cfg}
	publish := s.publishRetainedQoS1
	s.valuesQueue = newTopicQueue(cfg.BaseTopic+"/values", cfg.QueueLength, publish)
	s.deviceQueue = newTopicQueue(cfg.BaseTopic+"/device", cfg.QueueLength, publish)
	s.availQueue = newTopicQueue(cfg.BaseTopic+"/availability", cfg.QueueLength, publish)
	return s
}

// Connect blocks up to timeout for the initial broker connection.
func (s *MQTTSink) Connect(timeout time.Duration) error {
	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqttsink: connect timed out after %s", timeout)
	}
	return token.Error()
}

// Close stops each topic's drain worker and disconnects from the broker,
// waiting up to 250ms for in-flight publishes to settle.
func (s *MQTTSink) Close() {
	s.valuesQueue.Close()
	s.deviceQueue.Close()
	s.availQueue.Close()
	s.client.Disconnect(250)
}

// publishRetainedQoS1 blocks until the broker acks or PublishTimeout
// elapses, so a slow broker throttles this topic's drain loop rather
// than the pipeline's producer goroutine.
func (s *MQTTSink) publishRetainedQoS1(topic string, payload []byte) {
	token := s.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		s.log.Warn("mqtt publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		s.log.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *MQTTSink) PublishValues(payload []byte) { s.valuesQueue.Enqueue(payload) }
func (s *MQTTSink) PublishDevice(payload []byte) { s.deviceQueue.Enqueue(payload) }

func (s *MQTTSink) PublishAvailability(connected bool) {
	payload := []byte("disconnected")
	if connected {
		payload = []byte("connected")
	}
	s.availQueue.Enqueue(payload)
}

func (s *MQTTSink) Stats() Stats {
	return Stats{
		ValuesDropped:       s.valuesQueue.Dropped(),
		DeviceDropped:       s.deviceQueue.Dropped(),
		AvailabilityDropped: s.availQueue.Dropped(),
	}
}
