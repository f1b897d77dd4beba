package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownKind      = errors.New("unknown packet kind")
	ErrDuplicateHandler = errors.New("duplicate packet handler")
)

// Encode serializes a batch of packets to one wire frame. Single-packet sends
// still produce a one-element array.
func Encode(packets ...Packet) ([]byte, error) {
	records := make([]json.RawMessage, 0, len(packets))
	for _, p := range packets {
		record, err := encodeRecord(p)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return json.Marshal(records)
}

// encodeRecord marshals one packet and splices the cmd field into the object
// head. Splicing instead of round-tripping through a map keeps large item and
// location ids exact.
func encodeRecord(p Packet) (json.RawMessage, error) {
	fields, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Cmd(), err)
	}
	if len(fields) < 2 || fields[0] != '{' {
		return nil, fmt.Errorf("encode %s: packet did not marshal to an object", p.Cmd())
	}

	head := fmt.Sprintf(`{"cmd":%q`, p.Cmd())
	if bytes.Equal(fields, []byte("{}")) {
		return json.RawMessage(head + "}"), nil
	}
	record := make([]byte, 0, len(head)+1+len(fields)-1)
	record = append(record, head...)
	record = append(record, ',')
	record = append(record, fields[1:]...)
	return record, nil
}

// Decode parses one wire frame into its raw records. The top level must be a
// JSON array; anything else fails with ErrMalformedPayload.
func Decode(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: frame is not an array", ErrMalformedPayload)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return records, nil
}

// DecodeInto rehydrates one raw record into a concrete packet struct. The cmd
// field is left alone; concrete structs do not carry it.
func DecodeInto(raw json.RawMessage, p Packet) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedPayload, p.Cmd(), err)
	}
	return nil
}

// Kind extracts the cmd discriminator from a raw record.
func Kind(raw json.RawMessage) (string, error) {
	var env struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Cmd == "" {
		return "", fmt.Errorf("%w: record missing cmd field", ErrMalformedPayload)
	}
	return env.Cmd, nil
}
