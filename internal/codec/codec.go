// Package codec serializes, compresses, and encrypts the frames exchanged on
// the real-time channel. Both ends of the socket hold the same symmetric key.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultMaxFrameSize caps the wire size of one frame (1 MiB). Protects
	// both ends from unbounded memory use.
	DefaultMaxFrameSize = 1 << 20

	// DefaultCompressionThreshold is the serialized payload size above which
	// the payload is gzip-compressed before encryption.
	DefaultCompressionThreshold = 1024
)

// System frame types. System frames travel in plaintext.
const (
	SystemPing = "ping"
	SystemPong = "pong"
)

// gzip magic bytes mark a compressed plaintext after decryption.
var gzipMagic = []byte{0x1f, 0x8b}

// Options is carried in frame metadata and controls encoding behavior.
type Options struct {
	NoCompress bool `json:"noCompress,omitempty"`
}

// Metadata describes an encrypted frame.
type Metadata struct {
	Options   Options `json:"options"`
	Timestamp int64   `json:"timestamp"`
}

// Frame is the wire envelope: either an encrypted payload with metadata or a
// plaintext system frame (ping/pong).
type Frame struct {
	Encrypted []byte    `json:"encrypted,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Type      string    `json:"type,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// Message is the logical result of decoding a frame.
type Message struct {
	// Type is the routing discriminator: the payload's "type" field for
	// application messages, or ping/pong for system frames.
	Type string

	// Data is the full decoded JSON payload. Nil for system frames.
	Data json.RawMessage

	// System marks plaintext ping/pong frames.
	System bool

	Timestamp int64
}

// Config holds codec construction parameters.
type Config struct {
	Key                  []byte // 32 bytes (AES-256)
	MaxFrameSize         int    // 0 = DefaultMaxFrameSize
	CompressionThreshold int    // 0 = DefaultCompressionThreshold
}

// Codec is stateless per call and safe for concurrent use.
type Codec struct {
	aead              cipher.AEAD
	maxFrameSize      int
	compressThreshold int
	now               func() time.Time
}

// New creates a codec with the given symmetric key.
func New(cfg Config) (*Codec, error) {
	if len(cfg.Key) != 32 {
		return nil, fmt.Errorf("codec key must be 32 bytes, got %d", len(cfg.Key))
	}

	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	threshold := cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	return &Codec{
		aead:              aead,
		maxFrameSize:      maxFrame,
		compressThreshold: threshold,
		now:               time.Now,
	}, nil
}

// Encode serializes, optionally compresses, and encrypts payload, returning
// the wire bytes of the frame envelope. Frames whose total size exceeds the
// limit are rejected with *SizeLimitError and never touch the wire.
func (c *Codec) Encode(payload any, opts Options) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	if !opts.NoCompress && len(plain) > c.compressThreshold {
		plain, err = compress(plain)
		if err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	// nonce || ciphertext, so Decode can recover the nonce
	sealed := c.aead.Seal(nonce, nonce, plain, nil)

	frame := Frame{
		Encrypted: sealed,
		Metadata: &Metadata{
			Options:   opts,
			Timestamp: c.now().UnixMilli(),
		},
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	if len(raw) > c.maxFrameSize {
		return nil, &SizeLimitError{Size: len(raw), Limit: c.maxFrameSize}
	}

	return raw, nil
}

// Decode reverses Encode. Frames without an encrypted field are treated as
// plaintext system frames. All failures return *DecodeError; Decode never
// panics across the module boundary.
func (c *Codec) Decode(raw []byte) (*Message, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &DecodeError{Stage: "parse", Err: err}
	}

	if len(frame.Encrypted) == 0 {
		if frame.Type != SystemPing && frame.Type != SystemPong {
			return nil, &DecodeError{Stage: "parse", Err: fmt.Errorf("unknown system frame type %q", frame.Type)}
		}
		return &Message{Type: frame.Type, System: true, Timestamp: frame.Timestamp}, nil
	}

	nonceSize := c.aead.NonceSize()
	if len(frame.Encrypted) <= nonceSize {
		return nil, &DecodeError{Stage: "decrypt", Err: fmt.Errorf("ciphertext too short (%d bytes)", len(frame.Encrypted))}
	}
	nonce, ciphertext := frame.Encrypted[:nonceSize], frame.Encrypted[nonceSize:]

	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecodeError{Stage: "decrypt", Err: err}
	}

	if bytes.HasPrefix(plain, gzipMagic) {
		plain, err = decompress(plain)
		if err != nil {
			return nil, &DecodeError{Stage: "decompress", Err: err}
		}
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(plain, &head); err != nil {
		return nil, &DecodeError{Stage: "parse", Err: err}
	}

	msg := &Message{Type: head.Type, Data: plain}
	if frame.Metadata != nil {
		msg.Timestamp = frame.Metadata.Timestamp
	}
	return msg, nil
}

// SystemFrame builds a plaintext ping or pong frame.
func (c *Codec) SystemFrame(frameType string) []byte {
	raw, _ := json.Marshal(Frame{Type: frameType, Timestamp: c.now().UnixMilli()})
	return raw
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
