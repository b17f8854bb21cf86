// Package codec turns response payloads into stored bytes and back.
//
// Encoding marshals the payload, then optionally encrypts, then optionally
// compresses. Decoding runs the inverse and never propagates an error: a
// payload that cannot be restored is reported as corrupted.
package codec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrCorrupted  = errors.New("codec: corrupted payload")
	ErrInvalidKey = errors.New("codec: encryption key must be 16, 24 or 32 bytes")
	ErrNoKey      = errors.New("codec: encryption requested without a key")
)

// Flags records which transformations were applied to a stored payload.
type Flags struct {
	Compressed bool
	Encrypted  bool
}

// Options configures a Codec. The zero value marshals JSON without
// compression or encryption.
type Options struct {
	Format   Format
	Compress bool
	Encrypt  bool
	// Key is the AES key used when Encrypt is set or when decoding encrypted rows.
	Key    []byte
	Logger *slog.Logger
}

// Codec is safe for concurrent use.
type Codec struct {
	marshaler marshaler
	cipher    *cipher
	defaults  Flags
	logger    *slog.Logger
}

// New validates opts and returns a Codec.
func New(opts Options) (*Codec, error) {
	m, err := opts.Format.marshaler()
	if err != nil {
		return nil, err
	}
	if opts.Encrypt && len(opts.Key) == 0 {
		return nil, ErrNoKey
	}
	var c *cipher
	if len(opts.Key) > 0 {
		if c, err = newCipher(opts.Key); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{
		marshaler: m,
		cipher:    c,
		defaults:  Flags{Compressed: opts.Compress, Encrypted: opts.Encrypt},
		logger:    logger,
	}, nil
}

// Defaults returns the flags applied to payloads with no previous row.
func (c *Codec) Defaults() Flags {
	return c.defaults
}

// Encode serialises v applying the transformations selected by flags.
func (c *Codec) Encode(ctx context.Context, v any, flags Flags) ([]byte, error) {
	data, err := c.marshaler.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", c.marshaler.Name(), err)
	}
	if flags.Encrypted {
		if c.cipher == nil {
			return nil, ErrNoKey
		}
		if data, err = c.cipher.seal(data); err != nil {
			return nil, fmt.Errorf("encrypt: %w", err)
		}
	}
	if flags.Compressed {
		compressed := compress(data)
		c.logRatio(ctx, "encoded", compressed, data)
		data = compressed
	}
	return data, nil
}

// Decode restores data into v, which must be a pointer. When the payload
// cannot be restored, onCorruption is invoked and false is returned.
func (c *Codec) Decode(ctx context.Context, data []byte, v any, flags Flags, onCorruption func()) bool {
	if err := c.decode(ctx, data, v, flags); err != nil {
		c.logger.ErrorContext(ctx, "could not decode cached payload", slog.Any("error", err))
		if onCorruption != nil {
			onCorruption()
		}
		return false
	}
	return true
}

func (c *Codec) decode(ctx context.Context, data []byte, v any, flags Flags) error {
	var err error
	if flags.Compressed {
		uncompressed, err := decompress(data)
		if err != nil {
			return fmt.Errorf("%w: decompress: %v", ErrCorrupted, err)
		}
		c.logRatio(ctx, "decoded", data, uncompressed)
		data = uncompressed
	}
	if flags.Encrypted {
		if c.cipher == nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, ErrNoKey)
		}
		if data, err = c.cipher.open(data); err != nil {
			return fmt.Errorf("%w: decrypt: %v", ErrCorrupted, err)
		}
	}
	if err := c.marshaler.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: unmarshal %s: %v", ErrCorrupted, c.marshaler.Name(), err)
	}
	return nil
}

func (c *Codec) logRatio(ctx context.Context, msg string, compressed, uncompressed []byte) {
	ratio := 0
	if len(uncompressed) > 0 {
		ratio = 100 * len(compressed) / len(uncompressed)
	}
	c.logger.DebugContext(ctx, msg,
		slog.Int("compressed_bytes", len(compressed)),
		slog.Int("uncompressed_bytes", len(uncompressed)),
		slog.Int("ratio_percent", ratio),
	)
}
