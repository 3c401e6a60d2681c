package oracle

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

var cborHandle codec.CborHandle

// Outcome is the decoded form of a Result: either a numeric value or a
// human-readable failure message. Exactly one branch is populated.
type Outcome struct {
	OK      bool
	Value   uint64
	Failure string
}

// DecodeResult interprets a relayed oracle result.
//
// A success payload is a CBOR unsigned integer; the requester controls the
// request shape, so a malformed success payload is unexpected and surfaces as
// an error to the caller. An error payload is a CBOR (code, message) pair; if
// that structured decode fails the raw bytes are used verbatim as the message,
// so decoding problems inside error handling can never abort an update.
func DecodeResult(res Result) (Outcome, error) {
	if res.OK {
		var v uint64
		if err := codec.NewDecoderBytes(res.Payload, &cborHandle).Decode(&v); err != nil {
			return Outcome{}, fmt.Errorf("decode result value: %w", err)
		}
		return Outcome{OK: true, Value: v}, nil
	}
	return Outcome{Failure: decodeErrorMessage(res.Payload)}, nil
}

// decodeErrorMessage attempts the structured (code, message) decode and falls
// back to the literal payload bytes.
func decodeErrorMessage(payload []byte) string {
	var pair []interface{}
	if err := codec.NewDecoderBytes(payload, &cborHandle).Decode(&pair); err != nil {
		return string(payload)
	}
	if len(pair) < 2 {
		return string(payload)
	}
	switch msg := pair[1].(type) {
	case string:
		return msg
	case []byte:
		return string(msg)
	default:
		return string(payload)
	}
}

// EncodeValue renders a uint64 as a CBOR success payload, the inverse of the
// DecodeResult success branch. Bridge test doubles build results with it.
func EncodeValue(v uint64) []byte {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &cborHandle).Encode(v); err != nil {
		panic("cbor encode uint64: " + err.Error())
	}
	return out
}

// EncodeError renders a structured (code, message) error payload.
func EncodeError(code uint64, message string) []byte {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &cborHandle).Encode([]interface{}{code, message}); err != nil {
		panic("cbor encode error pair: " + err.Error())
	}
	return out
}
