// Package payload frames object bytes for storage: zstd compression and
// optional envelope encryption behind a self-describing header, so stored
// objects decode with nothing but the master key.
package payload

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Stored object format: 4-byte big-endian header length | header JSON | body

const (
	Magic   = "SHLF"
	Version = 1

	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Header describes how the body was produced.
type Header struct {
	Magic       string    `json:"magic"`
	Version     int       `json:"version"`
	Compression string    `json:"compression"`
	RawSize     int64     `json:"raw_size"`
	Crypto      CryptoEnv `json:"crypto,omitempty"`
}

// CryptoEnv carries the envelope for an encrypted body. Empty means the body
// is plaintext.
type CryptoEnv struct {
	NonceHex   string `json:"nonce,omitempty"`
	WrappedKey string `json:"wrapped_key,omitempty"`
}

// Info summarizes an Encode result for the sidecar.
type Info struct {
	Compression string
	RawSize     int64
	EncodedSize int64
	Encrypted   bool
}

// Codec encodes and decodes stored objects. Safe for concurrent use.
type Codec struct {
	compress  bool
	masterKey []byte // nil disables encryption
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec builds a codec. level is the zstd speed/ratio level (1 fastest ..
// 4 best); masterKey enables envelope encryption when 32 bytes, nil disables.
func NewCodec(compress bool, level int, masterKey []byte) (*Codec, error) {
	if masterKey != nil && len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{
		compress:  compress,
		masterKey: masterKey,
		enc:       enc,
		dec:       dec,
	}, nil
}

// Encode frames plain for storage. aad (the file UUID) is bound into the
// AEAD so an encrypted body cannot be swapped onto another file's identity;
// it survives renames because the UUID does.
func (c *Codec) Encode(aad string, plain []byte) ([]byte, Info, error) {
	h := Header{
		Magic:   Magic,
		Version: Version,
		RawSize: int64(len(plain)),
	}

	body := plain
	if c.compress {
		h.Compression = CompressionZstd
		body = c.enc.EncodeAll(plain, nil)
	} else {
		h.Compression = CompressionNone
	}

	if c.masterKey != nil {
		kObj := make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, kObj); err != nil {
			return nil, Info{}, err
		}
		nonce := make([]byte, NonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, Info{}, err
		}
		wrapped, err := WrapKey(c.masterKey, kObj)
		if err != nil {
			return nil, Info{}, err
		}
		ct, err := SealWithKey(kObj, nonce, body, []byte(aad))
		if err != nil {
			return nil, Info{}, err
		}
		h.Crypto = CryptoEnv{
			NonceHex:   hex.EncodeToString(nonce),
			WrappedKey: hex.EncodeToString(wrapped),
		}
		body = ct
	}

	headerBytes, err := json.Marshal(&h)
	if err != nil {
		return nil, Info{}, err
	}
	framed := marshalObject(headerBytes, body)
	return framed, Info{
		Compression: h.Compression,
		RawSize:     h.RawSize,
		EncodedSize: int64(len(framed)),
		Encrypted:   c.masterKey != nil,
	}, nil
}

// Decode reverses Encode. aad must match the value passed to Encode.
func (c *Codec) Decode(aad string, stored []byte) ([]byte, error) {
	h, body, err := DecodeHeader(stored)
	if err != nil {
		return nil, err
	}

	if h.Crypto.NonceHex != "" || h.Crypto.WrappedKey != "" {
		if c.masterKey == nil {
			return nil, fmt.Errorf("object is encrypted but no master key is configured")
		}
		nonce, err := hex.DecodeString(h.Crypto.NonceHex)
		if err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		wrapped, err := hex.DecodeString(h.Crypto.WrappedKey)
		if err != nil {
			return nil, fmt.Errorf("wrapped key: %w", err)
		}
		body, err = OpenWithMaster(c.masterKey, nonce, body, wrapped, []byte(aad))
		if err != nil {
			return nil, fmt.Errorf("decrypt object: %w", err)
		}
	}

	switch h.Compression {
	case CompressionZstd:
		plain, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress object: %w", err)
		}
		return plain, nil
	case CompressionNone, "":
		return body, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", h.Compression)
	}
}

// DecodeHeader parses object bytes, returns header and raw body. Does not
// decrypt or decompress.
func DecodeHeader(raw []byte) (*Header, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("object too short")
	}
	headerLen := binary.BigEndian.Uint32(raw[:4])
	if headerLen > 1024*1024 {
		return nil, nil, fmt.Errorf("header too long")
	}
	if len(raw) < 4+int(headerLen) {
		return nil, nil, fmt.Errorf("truncated object")
	}
	headerBytes := raw[4 : 4+headerLen]
	body := raw[4+headerLen:]

	var h Header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}
	if h.Magic != Magic || h.Version != Version {
		return nil, nil, fmt.Errorf("invalid magic/version")
	}
	return &h, body, nil
}

func marshalObject(header, body []byte) []byte {
	buf := make([]byte, 4, 4+len(header)+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(header)))
	buf = append(buf, header...)
	return append(buf, body...)
}

// Checksum returns the hex SHA-256 of data. Sidecars record the checksum of
// the original bytes, before framing.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
