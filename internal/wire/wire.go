// Package wire encodes and decodes the container RPC session's framed
// messages. Every message is a sequence of frames: an empty delimiter
// frame (matching a ZeroMQ DEALER socket's convention of separating
// routing frames from the message body), a little-endian int32 message
// type, and a type-specific body.
package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// MsgType is the outermost message type tag.
type MsgType int32

const (
	MsgHeartbeat MsgType = iota
	MsgNewContainer
	MsgContainerContent
)

// HeartbeatType distinguishes the two heartbeat sub-messages.
type HeartbeatType int32

const (
	HeartbeatKeepAlive HeartbeatType = iota
	HeartbeatRequestContainerMetadata
)

// ContentType distinguishes the container-content sub-messages carried
// inside an inbound MsgContainerContent frame. The outbound predict
// response carries no ContentType frame of its own (see
// EncodePredictResponse) since a response is never ambiguous with a
// feedback message the way an inbound request can be.
type ContentType int32

const (
	ContentPredictRequest ContentType = iota
	ContentFeedbackRequest
)

// EncodeI32 returns v encoded in little-endian order.
func EncodeI32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// DecodeI32 decodes a little-endian int32 from the front of b.
func DecodeI32(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("wire: need 4 bytes for int32, got %d", len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// EncodeI64 returns v encoded in little-endian order.
func EncodeI64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeI64 decodes a little-endian int64 from the front of b.
func DecodeI64(b []byte) (int64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("wire: need 8 bytes for int64, got %d", len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// EncodeI64Seq packs vals into a single frame of back-to-back
// little-endian int64s, the layout the input header and any other
// variable-length integer sequence uses on the wire.
func EncodeI64Seq(vals []int64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
	}
	return b
}

// DecodeI64Seq unpacks a frame produced by EncodeI64Seq.
func DecodeI64Seq(b []byte) ([]int64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("wire: header length %d is not a multiple of 8", len(b))
	}
	out := make([]int64, len(b)/8)
	for i := range out {
		v, err := DecodeI64(b[i*8:])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// EncodeHeartbeat produces the frame sequence for a heartbeat message:
// delimiter, MsgHeartbeat, sub-type.
func EncodeHeartbeat(sub HeartbeatType) [][]byte {
	return [][]byte{
		nil,
		EncodeI32(int32(MsgHeartbeat)),
		EncodeI32(int32(sub)),
	}
}

// EncodeContainerMetadata produces the frame sequence announcing a
// container's model identity and accepted input type to the scheduler.
// Name, version, and input type all travel as raw unterminated string
// frames; the input type is its tag's decimal rendering, not a binary
// integer.
func EncodeContainerMetadata(modelName, modelVersion string, inputType int32) [][]byte {
	return [][]byte{
		nil,
		EncodeI32(int32(MsgNewContainer)),
		[]byte(modelName),
		[]byte(modelVersion),
		[]byte(strconv.FormatInt(int64(inputType), 10)),
	}
}

// EncodePredictRequest produces the full frame sequence for a predict
// request: delimiter, MsgContainerContent, request_id,
// ContentPredictRequest, input_header_size_bytes (i64), input_header
// (packed i64 sequence whose first element is the declared InputType
// tag), content_size_bytes (i64), content. The request id precedes the
// content sub-type on the wire.
func EncodePredictRequest(requestID int32, header []int64, content []byte) [][]byte {
	headerBytes := EncodeI64Seq(header)
	return [][]byte{
		nil,
		EncodeI32(int32(MsgContainerContent)),
		EncodeI32(requestID),
		EncodeI32(int32(ContentPredictRequest)),
		EncodeI64(int64(len(headerBytes))),
		headerBytes,
		EncodeI64(int64(len(content))),
		content,
	}
}

// EncodePredictResponse produces the frame sequence for a predict
// response: delimiter, MsgContainerContent, request_id, then a body of
// i32 num_outputs followed by each output's i32 length and finally
// every output's raw bytes concatenated. Unlike a request, a response
// carries no ContentType sub-frame; only the scheduler ever sends
// requests, so a response can't be confused with one.
func EncodePredictResponse(requestID int32, outputs [][]byte) [][]byte {
	return [][]byte{
		nil,
		EncodeI32(int32(MsgContainerContent)),
		EncodeI32(requestID),
		AppendPredictResponseBody(nil, outputs),
	}
}

// AppendPredictResponseBody appends the predict response body layout to
// dst and returns the grown slice, so a session can reuse one output
// buffer across requests instead of allocating a fresh body every time.
func AppendPredictResponseBody(dst []byte, outputs [][]byte) []byte {
	dst = dst[:0]
	dst = append(dst, EncodeI32(int32(len(outputs)))...)
	for _, out := range outputs {
		dst = append(dst, EncodeI32(int32(len(out)))...)
	}
	for _, out := range outputs {
		dst = append(dst, out...)
	}
	return dst
}

// DecodePredictResponseBody parses the body frame produced by
// EncodePredictResponse back into its constituent outputs.
func DecodePredictResponseBody(body []byte) ([][]byte, error) {
	numOutputs, err := DecodeI32(body)
	if err != nil {
		return nil, fmt.Errorf("wire: decoding num_outputs: %w", err)
	}
	if numOutputs < 0 {
		return nil, fmt.Errorf("wire: negative num_outputs %d", numOutputs)
	}
	body = body[4:]

	lengths := make([]int32, numOutputs)
	for i := range lengths {
		l, err := DecodeI32(body)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding output length %d: %w", i, err)
		}
		if l < 0 {
			return nil, fmt.Errorf("wire: negative output length %d at index %d", l, i)
		}
		lengths[i] = l
		body = body[4:]
	}

	outputs := make([][]byte, numOutputs)
	for i, l := range lengths {
		if int32(len(body)) < l {
			return nil, fmt.Errorf("wire: body truncated reading output %d: need %d, have %d", i, l, len(body))
		}
		outputs[i] = body[:l]
		body = body[l:]
	}
	return outputs, nil
}
