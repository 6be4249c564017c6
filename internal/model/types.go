package model

import "time"

// Message is one publication received from the bus.
// It is the transport contract between the bus client and the capture pipeline.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	Arrived  time.Time
}

// Record is the immutable unit of capture. It is written once to a capture
// file and read back unchanged during replay.
type Record struct {
	Time     time.Time
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// RecordFromMessage converts a received message into its stored form.
func RecordFromMessage(msg Message) Record {
	return Record{
		Time:     msg.Arrived,
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      msg.QoS,
		Retained: msg.Retained,
	}
}

// StreamKey identifies one capture channel: a single topic, or the aggregate
// stream that receives every message.
type StreamKey struct {
	Topic     string
	Aggregate bool
}

// AggregateKey is the sentinel key of the "all streams" channel.
var AggregateKey = StreamKey{Aggregate: true}

// TopicKey returns the stream key of a single topic.
func TopicKey(topic string) StreamKey {
	return StreamKey{Topic: topic}
}

// String renders the key for logs and file names.
func (k StreamKey) String() string {
	if k.Aggregate {
		return AggregateName
	}
	return k.Topic
}
