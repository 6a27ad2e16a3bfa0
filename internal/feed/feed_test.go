package feed

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskstream/gateway/internal/codec"
)

func TestValidateEvent(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{
			name:     "valid task event",
			data:     `{"type":"task_updated","taskId":"T-1","projectId":"P-1"}`,
			wantType: "task_updated",
		},
		{
			name:     "valid comment event",
			data:     `{"type":"comment_added","commentId":"C-3"}`,
			wantType: "comment_added",
		},
		{
			name:    "missing type",
			data:    `{"taskId":"T-1"}`,
			wantErr: true,
		},
		{
			name:    "type wrong kind",
			data:    `{"type":42}`,
			wantErr: true,
		},
		{
			name:    "not JSON",
			data:    `task updated!`,
			wantErr: true,
		},
		{
			name:    "empty",
			data:    ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateEvent([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got)
		})
	}
}

func natsMsg(data string) *nats.Msg {
	return &nats.Msg{Subject: "taskstream.activity", Data: []byte(data)}
}

type captureSink struct {
	payloads []any
}

func (s *captureSink) Broadcast(payload any, _ codec.Options) error {
	s.payloads = append(s.payloads, payload)
	return nil
}

func TestHandleMessageForwardsRawJSON(t *testing.T) {
	sink := &captureSink{}
	f := &Feed{sink: sink, logger: zerolog.Nop()}

	f.handleMessage(natsMsg(`{"type":"task_updated","taskId":"T-7"}`))
	f.handleMessage(natsMsg(`not json`))
	f.handleMessage(natsMsg(`{"noType":true}`))

	require.Len(t, sink.payloads, 1)
	raw, ok := sink.payloads[0].(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"task_updated","taskId":"T-7"}`, string(raw))
}

func TestConnectRequiresURLAndSubjects(t *testing.T) {
	_, err := Connect(Config{Subjects: []string{"a"}}, &captureSink{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = Connect(Config{URL: "nats://localhost:4222"}, &captureSink{}, zerolog.Nop())
	assert.Error(t, err)
}
