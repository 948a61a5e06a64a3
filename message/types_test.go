package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalMetadata_SortedAndCompact(t *testing.T) {
	md := map[string]string{
		"trace_id": "t-123",
		"status":   "200",
		"a":        "z",
	}
	got := CanonicalMetadata(md)
	require.Equal(t, `{"a":"z","status":"200","trace_id":"t-123"}`, string(got))
}

func TestCanonicalMetadata_EqualMapsEqualBytes(t *testing.T) {
	first := map[string]string{"status": "404", "trace_id": "x"}
	second := map[string]string{}
	second["trace_id"] = "x"
	second["status"] = "404"

	require.Equal(t, CanonicalMetadata(first), CanonicalMetadata(second))
}

func TestCanonicalMetadata_NilAndEmpty(t *testing.T) {
	require.Equal(t, `{}`, string(CanonicalMetadata(nil)))
	require.Equal(t, CanonicalMetadata(nil), CanonicalMetadata(map[string]string{}))
}

func TestDecodeRequest_RequiresRouting(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"complete", `{"method":"GET","path":"/x","headers":{},"body":null}`, false},
		{"missing method", `{"path":"/x"}`, true},
		{"missing path", `{"method":"GET"}`, true},
		{"not json", `}{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRequest_BinaryBodySurvives(t *testing.T) {
	body := []byte{0x00, 0xff, 0x9c, 0x01, 0x80}
	data, err := EncodeRequest(&Request{
		Method:  "POST",
		Path:    "/upload",
		Headers: map[string]string{"Content-Type": "application/octet-stream"},
		Body:    body,
	})
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, body, decoded.Body)
}
