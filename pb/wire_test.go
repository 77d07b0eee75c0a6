package pb

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecRequestWireLayout(t *testing.T) {
	req := &ModelInferRequest{
		ModelName: "m",
		Id:        "7",
		Inputs: []*InferInputTensor{{
			Name:     "in",
			Datatype: "INT32",
			Shape:    []int64{1},
			Contents: &InferTensorContents{IntContents: []int32{3}},
		}},
	}

	b, err := Codec{}.Marshal(req)
	require.NoError(t, err)

	// Field numbers per the v2 protocol: model_name=1, id=3, inputs=5;
	// tensor name=1, datatype=2, shape=3 packed, contents=5; int_contents=2.
	want := "0a016d1a01372a130a02696e1205494e5433321a01012a03120103"
	assert.Equal(t, want, hex.EncodeToString(b))
}

func TestCodecRoundTripsStreamResponse(t *testing.T) {
	in := &ModelStreamInferResponse{
		InferResponse: &ModelInferResponse{
			ModelName: "llama",
			Id:        "req-9",
			Outputs: []*InferOutputTensor{{
				Name:     "text_output",
				Datatype: "BYTES",
				Shape:    []int64{1, 1},
				Contents: &InferTensorContents{BytesContents: [][]byte{[]byte("hello")}},
			}, {
				Name:     "num_tokens",
				Datatype: "INT32",
				Shape:    []int64{1},
				Contents: &InferTensorContents{IntContents: []int32{-5, 12}},
			}},
		},
	}

	b, err := Codec{}.Marshal(in)
	require.NoError(t, err)

	out := new(ModelStreamInferResponse)
	require.NoError(t, Codec{}.Unmarshal(b, out))
	assert.Equal(t, in, out)
}

func TestCodecDecodesRawOutputContents(t *testing.T) {
	// A server answering with raw_output_contents instead of typed contents:
	// outputs carry only name/datatype/shape, data rides in field 6.
	var tensor []byte
	tensor = appendString(tensor, 1, "text_output")
	tensor = appendString(tensor, 2, "BYTES")
	tensor = appendPackedVarints(tensor, 3, []uint64{1})

	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, 2)
	raw = append(raw, []byte("hi")...)

	var b []byte
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, tensor)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)

	resp := new(ModelInferResponse)
	require.NoError(t, Codec{}.Unmarshal(b, resp))

	out := resp.Output("text_output")
	require.NotNil(t, out)
	require.NotNil(t, out.Contents)
	require.Len(t, out.Contents.BytesContents, 1)
	assert.Equal(t, []byte("hi"), out.Contents.BytesContents[0])
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = appendString(b, 1, "m")
	// model_version, unmodeled by the facade.
	b = appendString(b, 2, "2")
	b = appendString(b, 3, "req-1")

	req := new(ModelInferRequest)
	require.NoError(t, Codec{}.Unmarshal(b, req))
	assert.Equal(t, "m", req.ModelName)
	assert.Equal(t, "req-1", req.Id)
}

func TestCodecRejectsForeignMessages(t *testing.T) {
	_, err := Codec{}.Marshal(struct{}{})
	assert.Error(t, err)
	assert.Error(t, Codec{}.Unmarshal(nil, struct{}{}))
}
