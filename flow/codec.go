package flow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// UseCase names what a codec is being asked to serialize for.
type UseCase string

const (
	// UseCaseCheckpoint is durable checkpoint storage.
	UseCaseCheckpoint UseCase = "checkpoint"

	// UseCaseP2P is peer-to-peer message payloads.
	UseCaseP2P UseCase = "p2p"
)

// Codec serializes checkpoints. Decode(Encode(cp)) must equal cp.
type Codec interface {
	Encode(cp Checkpoint) ([]byte, error)
	Decode(data []byte) (Checkpoint, error)

	// Allows reports whether the codec may be used for u.
	Allows(u UseCase) bool
}

// checkpointFormat is the envelope format version written by JSONCodec.
const checkpointFormat = 1

type envelope struct {
	Format     int             `json:"format"`
	Checksum   string          `json:"checksum"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

// JSONCodec encodes checkpoints as JSON inside a versioned envelope carrying
// a SHA-256 checksum of the body, so truncated or edited data is reported as
// a CorruptCheckpointError instead of being resumed.
type JSONCodec struct {
	allowed map[UseCase]bool
}

// NewJSONCodec returns a codec limited to useCases. With no arguments it
// allows every use case.
func NewJSONCodec(useCases ...UseCase) *JSONCodec {
	if len(useCases) == 0 {
		useCases = []UseCase{UseCaseCheckpoint, UseCaseP2P}
	}
	allowed := make(map[UseCase]bool, len(useCases))
	for _, u := range useCases {
		allowed[u] = true
	}
	return &JSONCodec{allowed: allowed}
}

// Allows implements Codec.
func (c *JSONCodec) Allows(u UseCase) bool {
	return c.allowed[u]
}

func (c *JSONCodec) check(u UseCase) error {
	if !c.Allows(u) {
		return fmt.Errorf("%w: %s", ErrUseCaseNotAllowed, u)
	}
	return nil
}

// Encode implements Codec.
func (c *JSONCodec) Encode(cp Checkpoint) ([]byte, error) {
	if err := c.check(UseCaseCheckpoint); err != nil {
		return nil, err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", cp.FlowID, err)
	}
	return json.Marshal(envelope{
		Format:     checkpointFormat,
		Checksum:   checksum(body),
		Checkpoint: body,
	})
}

// Decode implements Codec. Any failure is a *CorruptCheckpointError.
func (c *JSONCodec) Decode(data []byte) (Checkpoint, error) {
	if err := c.check(UseCaseCheckpoint); err != nil {
		return Checkpoint{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Checkpoint{}, &CorruptCheckpointError{Err: err}
	}
	if env.Format != checkpointFormat {
		return Checkpoint{}, &CorruptCheckpointError{Err: fmt.Errorf("unsupported format %d", env.Format)}
	}
	if checksum(env.Checkpoint) != env.Checksum {
		return Checkpoint{}, &CorruptCheckpointError{Err: fmt.Errorf("checksum mismatch")}
	}

	var cp Checkpoint
	dec := json.NewDecoder(bytes.NewReader(env.Checkpoint))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cp); err != nil {
		return Checkpoint{}, &CorruptCheckpointError{Err: err}
	}
	if cp.FlowID == "" {
		return Checkpoint{}, &CorruptCheckpointError{Err: fmt.Errorf("missing flow id")}
	}
	return cp, nil
}

// EncodeMessage serializes a peer message.
func (c *JSONCodec) EncodeMessage(msg Message) ([]byte, error) {
	if err := c.check(UseCaseP2P); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a peer message.
func (c *JSONCodec) DecodeMessage(data []byte) (Message, error) {
	if err := c.check(UseCaseP2P); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
