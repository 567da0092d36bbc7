package value

import "testing"

func TestCodecEncodeDecodeRoundTrip(t *testing.T) {
	codec := Codec{}
	fields := map[string]Value{
		"name": String("Ada"),
		"age":  Int(36),
		"tags": List([]Value{String("math"), String("computing")}),
	}

	data, err := codec.Encode(fields)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !Equal(Map(got), Map(fields)) {
		t.Fatalf("decoded fields = %v; want %v", got, fields)
	}
}

func TestCodecDecodeEmptyRecord(t *testing.T) {
	codec := Codec{}
	if _, err := codec.Decode(nil); err != ErrEmptyRecord {
		t.Fatalf("Decode(nil) error = %v; want ErrEmptyRecord", err)
	}
}

func TestCodecCompressionRoundTrip(t *testing.T) {
	codec := Codec{CompressionLevel: 6}
	fields := map[string]Value{"body": String(stringOfLength(500))}

	data, err := codec.Encode(fields)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if data[0]&flagCompressed == 0 {
		t.Fatal("expected the compressed flag to be set for a large payload")
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got["body"].Str != fields["body"].Str {
		t.Fatal("decoded body does not match original")
	}
}

func TestCodecSkipsCompressionBelowThreshold(t *testing.T) {
	codec := Codec{CompressionLevel: 6}
	data, err := codec.Encode(map[string]Value{"x": Int(1)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if data[0]&flagCompressed != 0 {
		t.Fatal("small payloads should not be compressed")
	}
}

func TestCodecEncryptionRoundTrip(t *testing.T) {
	svc, err := NewEncryptionService(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}
	codec := Codec{Encryption: svc}
	fields := map[string]Value{"secret": String("sh")}

	data, err := codec.Encode(fields)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if data[0]&flagEncrypted == 0 {
		t.Fatal("expected the encrypted flag to be set")
	}

	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got["secret"].Str != "sh" {
		t.Fatalf("secret = %q; want %q", got["secret"].Str, "sh")
	}
}

func TestCodecDecodeEncryptedWithoutServiceFails(t *testing.T) {
	svc, _ := NewEncryptionService(make([]byte, 16))
	data, err := (Codec{Encryption: svc}).Encode(map[string]Value{"x": Int(1)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := (Codec{}).Decode(data); err != ErrEncryptionNeeded {
		t.Fatalf("Decode error = %v; want ErrEncryptionNeeded", err)
	}
}

func TestNewEncryptionServiceRejectsBadKeySize(t *testing.T) {
	if _, err := NewEncryptionService(make([]byte, 10)); err != ErrInvalidKeySize {
		t.Fatalf("error = %v; want ErrInvalidKeySize", err)
	}
}

func TestEncryptionServiceFromPassphraseIsDeterministic(t *testing.T) {
	svc1, err := NewEncryptionServiceFromPassphrase("hunter2", []byte("salt"), 32)
	if err != nil {
		t.Fatalf("NewEncryptionServiceFromPassphrase: %v", err)
	}
	svc2, err := NewEncryptionServiceFromPassphrase("hunter2", []byte("salt"), 32)
	if err != nil {
		t.Fatalf("NewEncryptionServiceFromPassphrase: %v", err)
	}

	data, err := (Codec{Encryption: svc1}).Encode(map[string]Value{"x": Int(1)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := (Codec{Encryption: svc2}).Decode(data); err != nil {
		t.Fatalf("a second service derived from the same passphrase/salt should decode: %v", err)
	}
}

func stringOfLength(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return string(b)
}
