package recordstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// line is the stored shape of one record:
//
//	{"time": 1721901630123, "topic": "sensor/temperature", "payload": {"temperature": 21.5}}
//
// JSON payloads are embedded as-is (compacted). Any other UTF-8 payload,
// including a top-level JSON string, is stored as a JSON string so decoding
// is unambiguous. Binary payloads go to payload_b64.
type line struct {
	Time       int64           `json:"time"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadB64 string          `json:"payload_b64,omitempty"`
	QoS        byte            `json:"qos,omitempty"`
	Retain     bool            `json:"retain,omitempty"`
}

// EncodeRecord renders rec as one newline-terminated JSON line.
func EncodeRecord(rec model.Record) ([]byte, error) {
	l := line{
		Time:   rec.Time.UnixMilli(),
		Topic:  rec.Topic,
		QoS:    rec.QoS,
		Retain: rec.Retained,
	}
	switch {
	case isEmbeddableJSON(rec.Payload):
		l.Payload = json.RawMessage(rec.Payload)
	case utf8.Valid(rec.Payload):
		quoted, err := marshalNoEscape(string(rec.Payload))
		if err != nil {
			return nil, fmt.Errorf("recordstore: quote payload: %w", err)
		}
		l.Payload = quoted
	default:
		l.PayloadB64 = base64.StdEncoding.EncodeToString(rec.Payload)
	}

	data, err := marshalNoEscape(l)
	if err != nil {
		return nil, fmt.Errorf("recordstore: marshal record: %w", err)
	}
	return append(data, '\n'), nil
}

// marshalNoEscape is json.Marshal without HTML escaping.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func isEmbeddableJSON(payload []byte) bool {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return false
	}
	return gjson.ParseBytes(payload).Type != gjson.String
}

// DecodeRecord parses one stored line back into a record.
func DecodeRecord(data []byte) (model.Record, error) {
	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		return model.Record{}, fmt.Errorf("recordstore: unmarshal record: %w", err)
	}
	if l.Topic == "" {
		return model.Record{}, errors.New("recordstore: record has no topic")
	}

	rec := model.Record{
		Time:     time.UnixMilli(l.Time),
		Topic:    l.Topic,
		QoS:      l.QoS,
		Retained: l.Retain,
	}
	switch {
	case l.PayloadB64 != "":
		payload, err := base64.StdEncoding.DecodeString(l.PayloadB64)
		if err != nil {
			return model.Record{}, fmt.Errorf("recordstore: decode payload_b64: %w", err)
		}
		rec.Payload = payload
	case len(l.Payload) > 0 && l.Payload[0] == '"':
		var s string
		if err := json.Unmarshal(l.Payload, &s); err != nil {
			return model.Record{}, fmt.Errorf("recordstore: decode text payload: %w", err)
		}
		rec.Payload = []byte(s)
	default:
		rec.Payload = []byte(l.Payload)
	}
	return rec, nil
}
