package pb

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The facade keeps hand-written message structs; this file gives them their
// protobuf wire form so grpc can carry them. Field numbers follow the
// KServe/Triton v2 inference protocol.

type wireMessage interface {
	appendTo(b []byte) []byte
	decode(b []byte) error
}

// Codec marshals the facade's messages for grpc. Name reports "proto" so the
// wire content subtype stays the standard one the server expects.
type Codec struct{}

func (Codec) Name() string { return "proto" }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("pb: cannot marshal %T", v)
	}
	return m.appendTo(nil), nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("pb: cannot unmarshal into %T", v)
	}
	return m.decode(data)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendEmbedded(b []byte, num protowire.Number, m wireMessage) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendTo(nil))
}

func appendPackedVarints(b []byte, num protowire.Number, vals []uint64) []byte {
	if len(vals) == 0 {
		return b
	}
	var sub []byte
	for _, v := range vals {
		sub = protowire.AppendVarint(sub, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// consumeVarints reads one varint field occurrence, packed or not.
func consumeVarints(b []byte, typ protowire.Type) ([]uint64, []byte, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		return []uint64{v}, b[n:], nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		var vals []uint64
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return nil, nil, protowire.ParseError(m)
			}
			vals = append(vals, v)
			packed = packed[m:]
		}
		return vals, b[n:], nil
	default:
		return nil, nil, fmt.Errorf("pb: wire type %v for varint field", typ)
	}
}

func consumeFixed32s(b []byte, typ protowire.Type) ([]uint32, []byte, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		return []uint32{v}, b[n:], nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		var vals []uint32
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			if m < 0 {
				return nil, nil, protowire.ParseError(m)
			}
			vals = append(vals, v)
			packed = packed[m:]
		}
		return vals, b[n:], nil
	default:
		return nil, nil, fmt.Errorf("pb: wire type %v for fixed32 field", typ)
	}
}

func skipField(b []byte, num protowire.Number, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return b[n:], nil
}

func (m *ModelInferRequest) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.ModelName)
	b = appendString(b, 3, m.Id)
	for _, in := range m.Inputs {
		b = appendEmbedded(b, 5, in)
	}
	return b
}

func (m *ModelInferRequest) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ModelName, b = v, b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Id, b = v, b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			in := new(InferInputTensor)
			if err := in.decode(v); err != nil {
				return err
			}
			m.Inputs = append(m.Inputs, in)
			b = b[n:]
		default:
			var err error
			if b, err = skipField(b, num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *InferInputTensor) appendTo(b []byte) []byte {
	b = appendString(b, 1, t.Name)
	b = appendString(b, 2, t.Datatype)
	if len(t.Shape) > 0 {
		shape := make([]uint64, len(t.Shape))
		for i, v := range t.Shape {
			shape[i] = uint64(v)
		}
		b = appendPackedVarints(b, 3, shape)
	}
	if t.Contents != nil {
		b = appendEmbedded(b, 5, t.Contents)
	}
	return b
}

func (t *InferInputTensor) decode(b []byte) error {
	name, datatype, shape, contents, err := decodeTensor(b)
	if err != nil {
		return err
	}
	t.Name, t.Datatype, t.Shape, t.Contents = name, datatype, shape, contents
	return nil
}

func (t *InferOutputTensor) appendTo(b []byte) []byte {
	b = appendString(b, 1, t.Name)
	b = appendString(b, 2, t.Datatype)
	if len(t.Shape) > 0 {
		shape := make([]uint64, len(t.Shape))
		for i, v := range t.Shape {
			shape[i] = uint64(v)
		}
		b = appendPackedVarints(b, 3, shape)
	}
	if t.Contents != nil {
		b = appendEmbedded(b, 5, t.Contents)
	}
	return b
}

func (t *InferOutputTensor) decode(b []byte) error {
	name, datatype, shape, contents, err := decodeTensor(b)
	if err != nil {
		return err
	}
	t.Name, t.Datatype, t.Shape, t.Contents = name, datatype, shape, contents
	return nil
}

// decodeTensor reads the shared input/output tensor layout: name 1,
// datatype 2, shape 3, contents 5.
func decodeTensor(b []byte) (name, datatype string, shape []int64, contents *InferTensorContents, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", nil, nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", nil, nil, protowire.ParseError(n)
			}
			name, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", nil, nil, protowire.ParseError(n)
			}
			datatype, b = v, b[n:]
		case num == 3:
			vals, rest, verr := consumeVarints(b, typ)
			if verr != nil {
				return "", "", nil, nil, verr
			}
			for _, v := range vals {
				shape = append(shape, int64(v))
			}
			b = rest
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", "", nil, nil, protowire.ParseError(n)
			}
			contents = new(InferTensorContents)
			if err := contents.decode(v); err != nil {
				return "", "", nil, nil, err
			}
			b = b[n:]
		default:
			if b, err = skipField(b, num, typ); err != nil {
				return "", "", nil, nil, err
			}
		}
	}
	return name, datatype, shape, contents, nil
}

func (c *InferTensorContents) appendTo(b []byte) []byte {
	if len(c.BoolContents) > 0 {
		vals := make([]uint64, len(c.BoolContents))
		for i, v := range c.BoolContents {
			if v {
				vals[i] = 1
			}
		}
		b = appendPackedVarints(b, 1, vals)
	}
	if len(c.IntContents) > 0 {
		vals := make([]uint64, len(c.IntContents))
		for i, v := range c.IntContents {
			vals[i] = uint64(int64(v))
		}
		b = appendPackedVarints(b, 2, vals)
	}
	if len(c.Int64Contents) > 0 {
		vals := make([]uint64, len(c.Int64Contents))
		for i, v := range c.Int64Contents {
			vals[i] = uint64(v)
		}
		b = appendPackedVarints(b, 3, vals)
	}
	if len(c.Uint64Contents) > 0 {
		b = appendPackedVarints(b, 5, c.Uint64Contents)
	}
	if len(c.Fp32Contents) > 0 {
		var sub []byte
		for _, v := range c.Fp32Contents {
			sub = protowire.AppendFixed32(sub, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	for _, v := range c.BytesContents {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func (c *InferTensorContents) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			vals, rest, err := consumeVarints(b, typ)
			if err != nil {
				return err
			}
			for _, v := range vals {
				c.BoolContents = append(c.BoolContents, v != 0)
			}
			b = rest
		case 2:
			vals, rest, err := consumeVarints(b, typ)
			if err != nil {
				return err
			}
			for _, v := range vals {
				c.IntContents = append(c.IntContents, int32(v))
			}
			b = rest
		case 3:
			vals, rest, err := consumeVarints(b, typ)
			if err != nil {
				return err
			}
			for _, v := range vals {
				c.Int64Contents = append(c.Int64Contents, int64(v))
			}
			b = rest
		case 5:
			vals, rest, err := consumeVarints(b, typ)
			if err != nil {
				return err
			}
			c.Uint64Contents = append(c.Uint64Contents, vals...)
			b = rest
		case 6:
			vals, rest, err := consumeFixed32s(b, typ)
			if err != nil {
				return err
			}
			for _, v := range vals {
				c.Fp32Contents = append(c.Fp32Contents, math.Float32frombits(v))
			}
			b = rest
		case 8:
			if typ != protowire.BytesType {
				var err error
				if b, err = skipField(b, num, typ); err != nil {
					return err
				}
				continue
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			c.BytesContents = append(c.BytesContents, append([]byte(nil), v...))
			b = b[n:]
		default:
			var err error
			if b, err = skipField(b, num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *ModelInferResponse) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.ModelName)
	b = appendString(b, 3, m.Id)
	for _, out := range m.Outputs {
		b = appendEmbedded(b, 5, out)
	}
	return b
}

func (m *ModelInferResponse) decode(b []byte) error {
	var raw [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ModelName, b = v, b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Id, b = v, b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			out := new(InferOutputTensor)
			if err := out.decode(v); err != nil {
				return err
			}
			m.Outputs = append(m.Outputs, out)
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			raw = append(raw, append([]byte(nil), v...))
			b = b[n:]
		default:
			var err error
			if b, err = skipField(b, num, typ); err != nil {
				return err
			}
		}
	}

	// Triton returns tensor data in raw_output_contents when the caller's
	// request carried raw bytes; rehydrate typed contents so readers only
	// ever deal with one representation.
	if len(raw) == len(m.Outputs) {
		for i, out := range m.Outputs {
			if out.Contents == nil {
				out.Contents = rawToContents(out.Datatype, raw[i])
			}
		}
	}
	return nil
}

// rawToContents deserializes a raw little-endian tensor per its datatype.
// BYTES elements are length-prefixed with a uint32.
func rawToContents(datatype string, raw []byte) *InferTensorContents {
	c := new(InferTensorContents)
	switch datatype {
	case "BYTES":
		for off := 0; off+4 <= len(raw); {
			n := int(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
			if off+n > len(raw) {
				break
			}
			c.BytesContents = append(c.BytesContents, append([]byte(nil), raw[off:off+n]...))
			off += n
		}
	case "BOOL":
		for _, v := range raw {
			c.BoolContents = append(c.BoolContents, v != 0)
		}
	case "INT32":
		for off := 0; off+4 <= len(raw); off += 4 {
			c.IntContents = append(c.IntContents, int32(binary.LittleEndian.Uint32(raw[off:])))
		}
	case "INT64":
		for off := 0; off+8 <= len(raw); off += 8 {
			c.Int64Contents = append(c.Int64Contents, int64(binary.LittleEndian.Uint64(raw[off:])))
		}
	case "UINT64":
		for off := 0; off+8 <= len(raw); off += 8 {
			c.Uint64Contents = append(c.Uint64Contents, binary.LittleEndian.Uint64(raw[off:]))
		}
	case "FP32":
		for off := 0; off+4 <= len(raw); off += 4 {
			c.Fp32Contents = append(c.Fp32Contents, math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
		}
	}
	return c
}

func (m *ModelStreamInferResponse) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.ErrorMessage)
	if m.InferResponse != nil {
		b = appendEmbedded(b, 2, m.InferResponse)
	}
	return b
}

func (m *ModelStreamInferResponse) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ErrorMessage, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			resp := new(ModelInferResponse)
			if err := resp.decode(v); err != nil {
				return err
			}
			m.InferResponse = resp
			b = b[n:]
		default:
			var err error
			if b, err = skipField(b, num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}
