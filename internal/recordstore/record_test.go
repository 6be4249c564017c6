package recordstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

func TestEncodeRecord_LineFormat(t *testing.T) {
	t.Parallel()

	rec := model.Record{
		Time:    epoch,
		Topic:   "sensor/temperature",
		Payload: []byte(`{"temperature": 21.5}`),
	}
	data, err := EncodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"time":1721901630123,"topic":"sensor/temperature","payload":{"temperature":21.5}}`+"\n", string(data))
}

func TestEncodeDecode_PayloadKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  []byte
		wantLine string
	}{
		{name: "json object", payload: []byte(`{"a":[1,2]}`), wantLine: `"payload":{"a":[1,2]}`},
		{name: "json number", payload: []byte(`42`), wantLine: `"payload":42`},
		{name: "plain text", payload: []byte(`on <off>`), wantLine: `"payload":"on <off>"`},
		{name: "json string document", payload: []byte(`"quoted"`), wantLine: `"payload":"\"quoted\""`},
		{name: "empty", payload: []byte{}, wantLine: `"payload":""`},
		{name: "binary", payload: []byte{0xff, 0x00, 0xfe}, wantLine: `"payload_b64":"/wD+"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := model.Record{Time: epoch, Topic: "t", Payload: tt.payload, QoS: 1, Retained: true}
			data, err := EncodeRecord(rec)
			require.NoError(t, err)
			assert.Contains(t, string(data), tt.wantLine)

			got, err := DecodeRecord(data)
			require.NoError(t, err)
			assert.Equal(t, string(tt.payload), string(got.Payload))
			assert.Equal(t, byte(1), got.QoS)
			assert.True(t, got.Retained)
			assert.Equal(t, epoch.UnixMilli(), got.Time.UnixMilli())
		})
	}
}

func TestDecodeRecord_Errors(t *testing.T) {
	t.Parallel()

	_, err := DecodeRecord([]byte(`{"time":1,`))
	require.Error(t, err)

	_, err = DecodeRecord([]byte(`{"time":1,"payload":1}`))
	require.Error(t, err, "record without topic must be rejected")
}
