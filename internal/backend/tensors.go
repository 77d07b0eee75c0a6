// Package backend speaks the inference server's streaming protocol and
// presents clean text to the gateway: input tensor preparation with clamping,
// byte-fragmented token reassembly via the remote detokenizer, stop-sequence
// and token-cap enforcement, and the token counter used for usage accounting.
package backend

import (
	"github.com/infergate/gateway/pb"
)

func bytesTensor(name string, values ...[]byte) *pb.InferInputTensor {
	return &pb.InferInputTensor{
		Name:     name,
		Datatype: "BYTES",
		Shape:    []int64{1, int64(len(values))},
		Contents: &pb.InferTensorContents{BytesContents: values},
	}
}

func int32Tensor(name string, v int32) *pb.InferInputTensor {
	return &pb.InferInputTensor{
		Name:     name,
		Datatype: "INT32",
		Shape:    []int64{1, 1},
		Contents: &pb.InferTensorContents{IntContents: []int32{v}},
	}
}

func int32ListTensor(name string, vs []int32) *pb.InferInputTensor {
	return &pb.InferInputTensor{
		Name:     name,
		Datatype: "INT32",
		Shape:    []int64{int64(len(vs))},
		Contents: &pb.InferTensorContents{IntContents: vs},
	}
}

func fp32Tensor(name string, v float32) *pb.InferInputTensor {
	return &pb.InferInputTensor{
		Name:     name,
		Datatype: "FP32",
		Shape:    []int64{1, 1},
		Contents: &pb.InferTensorContents{Fp32Contents: []float32{v}},
	}
}

func uint64Tensor(name string, v uint64) *pb.InferInputTensor {
	return &pb.InferInputTensor{
		Name:     name,
		Datatype: "UINT64",
		Shape:    []int64{1, 1},
		Contents: &pb.InferTensorContents{Uint64Contents: []uint64{v}},
	}
}

func boolTensor(name string, v bool) *pb.InferInputTensor {
	return &pb.InferInputTensor{
		Name:     name,
		Datatype: "BOOL",
		Shape:    []int64{1, 1},
		Contents: &pb.InferTensorContents{BoolContents: []bool{v}},
	}
}

func outputText(resp *pb.ModelInferResponse, name string) (string, bool) {
	out := resp.Output(name)
	if out == nil || out.Contents == nil || len(out.Contents.BytesContents) == 0 {
		return "", false
	}
	return string(out.Contents.BytesContents[0]), true
}

func outputInt(resp *pb.ModelInferResponse, name string) (int, bool) {
	out := resp.Output(name)
	if out == nil || out.Contents == nil {
		return 0, false
	}
	if len(out.Contents.IntContents) > 0 {
		sum := 0
		for _, v := range out.Contents.IntContents {
			sum += int(v)
		}
		return sum, true
	}
	if len(out.Contents.Int64Contents) > 0 {
		sum := 0
		for _, v := range out.Contents.Int64Contents {
			sum += int(v)
		}
		return sum, true
	}
	return 0, false
}

func clamp(v, lo, hi float64) float32 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return float32(v)
}
