package collab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesEncodesAsOctetArray(t *testing.T) {
	out, err := json.Marshal(UpdatePayload{DocumentID: "d", Update: Bytes{0, 127, 255}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"documentId":"d","update":[0,127,255]}`, string(out))

	out, err = json.Marshal(DocumentStatePayload{DocumentID: "d"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"documentId":"d","state":[]}`, string(out))
}

func TestBytesDecoding(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Bytes
		wantErr bool
	}{
		{name: "array", input: `[1,2,3]`, want: Bytes{1, 2, 3}},
		{name: "base64", input: `"AQID"`, want: Bytes{1, 2, 3}},
		{name: "null", input: `null`, want: nil},
		{name: "out of range", input: `[256]`, wantErr: true},
		{name: "negative", input: `[-1]`, wantErr: true},
		{name: "bad base64", input: `"%%%"`, wantErr: true},
		{name: "object", input: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Bytes
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
