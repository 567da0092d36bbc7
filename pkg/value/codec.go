package value

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/hkdf"
)

// Record byte layout flags (spec.md §6).
const (
	flagCompressed = 1 << 0
	flagEncrypted  = 1 << 1
	flagReserved   = 1 << 2

	// compressionMinSize is the smallest payload gzip is attempted on;
	// below this threshold compression overhead outweighs any savings.
	compressionMinSize = 64
)

var (
	ErrEmptyRecord      = errors.New("value: empty record bytes")
	ErrEncryptionNeeded = errors.New("value: record is encrypted but no encryption service was provided")
	ErrInvalidKeySize   = errors.New("value: encryption key must be 16, 24, or 32 bytes")
)

// Codec controls how a field map is turned into record bytes and back:
// gzip compression (levels 1-9) and AES-GCM encryption, per spec.md §6.
type Codec struct {
	CompressionLevel int // 0 disables compression; 1-9 is the gzip level
	Encryption       *EncryptionService
}

// EncryptionService wraps AES-GCM with a 128/192/256-bit key. Grounded on
// cuemby-warren/pkg/security/secrets.go's nonce-prepend AES-256-GCM scheme,
// generalized to accept any of the three standard AES key sizes and to
// derive a key from a passphrase via HKDF-SHA256 rather than a bare
// SHA-256 hash.
type EncryptionService struct {
	key []byte
}

// NewEncryptionService wraps a raw AES key. len(key) must be 16, 24, or 32.
func NewEncryptionService(key []byte) (*EncryptionService, error) {
	switch len(key) {
	case 16, 24, 32:
		return &EncryptionService{key: key}, nil
	default:
		return nil, ErrInvalidKeySize
	}
}

// NewEncryptionServiceFromPassphrase derives a keyLen-byte AES key from a
// passphrase via HKDF-SHA256 with the given salt (pass nil for no salt).
func NewEncryptionServiceFromPassphrase(passphrase string, salt []byte, keyLen int) (*EncryptionService, error) {
	switch keyLen {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKeySize
	}
	kdf := hkdf.New(sha256.New, []byte(passphrase), salt, []byte("nestdb-record-encryption"))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("value: key derivation failed: %w", err)
	}
	return &EncryptionService{key: key}, nil
}

func (e *EncryptionService) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *EncryptionService) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("value: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

// Encode serializes fields to record bytes: msgpack body, optionally
// gzip-compressed, optionally AES-GCM-encrypted, prefixed by a 1-byte
// flags field (spec.md §6).
func (c Codec) Encode(fields map[string]Value) ([]byte, error) {
	body, err := marshalFields(fields)
	if err != nil {
		return nil, err
	}

	var flags byte
	if c.CompressionLevel > 0 && len(body) >= compressionMinSize {
		compressed, err := gzipCompress(body, c.CompressionLevel)
		if err != nil {
			return nil, err
		}
		body = compressed
		flags |= flagCompressed
	}

	if c.Encryption != nil {
		sealed, err := c.Encryption.seal(body)
		if err != nil {
			return nil, err
		}
		body = sealed
		flags |= flagEncrypted
	}

	out := make([]byte, 1+len(body))
	out[0] = flags
	copy(out[1:], body)
	return out, nil
}

// Decode reverses Encode.
func (c Codec) Decode(data []byte) (map[string]Value, error) {
	if len(data) == 0 {
		return nil, ErrEmptyRecord
	}
	flags := data[0]
	body := data[1:]

	if flags&flagEncrypted != 0 {
		if c.Encryption == nil {
			return nil, ErrEncryptionNeeded
		}
		opened, err := c.Encryption.open(body)
		if err != nil {
			return nil, fmt.Errorf("value: decryption failed: %w", err)
		}
		body = opened
	}

	if flags&flagCompressed != 0 {
		decompressed, err := gzipDecompress(body)
		if err != nil {
			return nil, err
		}
		body = decompressed
	}

	return unmarshalFields(body)
}

func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func marshalFields(fields map[string]Value) ([]byte, error) {
	m := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		m[k] = valueToMsgpack(v)
	}
	return msgpack.Marshal(m)
}

func unmarshalFields(data []byte) (map[string]Value, error) {
	var raw map[string]interface{}
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Value, len(raw))
	for k, v := range raw {
		cv, err := msgpackToValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = cv
	}
	return out, nil
}

// valueToMsgpack converts a Value into a plain Go value msgpack can encode
// natively, tagging custom values as {__type, __value} per spec.md §3.
func valueToMsgpack(v Value) interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindList:
		arr := make([]interface{}, len(v.List))
		for i, item := range v.List {
			arr[i] = valueToMsgpack(item)
		}
		return arr
	case KindMap:
		m := make(map[string]interface{}, len(v.Map))
		for k, item := range v.Map {
			m[k] = valueToMsgpack(item)
		}
		return m
	case KindCustom:
		return map[string]interface{}{"__type": v.TypeName, "__value": v.Payload}
	default:
		return nil
	}
}

// msgpackToValue is the inverse of valueToMsgpack, recognizing the
// {__type, __value} tagging convention for custom types.
func msgpackToValue(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case int:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			cv, err := msgpackToValue(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return List(items), nil
	case map[string]interface{}:
		if len(t) == 2 {
			if typeName, ok := t["__type"].(string); ok {
				if payload, ok := t["__value"]; ok {
					var payloadBytes []byte
					if pb, ok := payload.([]byte); ok {
						payloadBytes = pb
					}
					return Custom(typeName, payloadBytes), nil
				}
			}
		}
		m := make(map[string]Value, len(t))
		for k, item := range t {
			cv, err := msgpackToValue(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = cv
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported decoded type %T", x)
	}
}
