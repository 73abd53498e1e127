package v1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"github.com/stratahq/strata/internal/eval"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := encoding.GetCodec(JSONCodecName)
	require.NotNil(t, codec)
	assert.Equal(t, JSONCodecName, codec.Name())

	req := eval.Request{Services: []string{"checkout"}, Keys: map[string]string{"user_id": "u1"}}
	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var got eval.Request
	require.NoError(t, codec.Unmarshal(data, &got))
	assert.Equal(t, req, got)
}
