package webproxy

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestCodecByName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", EncodingIdentity, false},
		{"none", EncodingIdentity, false},
		{"identity", EncodingIdentity, false},
		{"GZIP", EncodingGzip, false},
		{"zstd", EncodingZstd, false},
		{"br", EncodingBrotli, false},
		{"brotli", EncodingBrotli, false},
		{"lz4", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := CodecByName(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got codec %q", c.Name())
				}
				return
			}
			if err != nil {
				t.Fatalf("CodecByName: %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("name = %q, want %q", c.Name(), tt.want)
			}
		})
	}
}

func TestCodecs_RoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":    {},
		"response": []byte(okResponse),
		"repeated": []byte(strings.Repeat("<p>cached body</p>", 2000)),
		"binary":   {0x00, 0xff, 0x1f, 0x8b, 0x28, 0xb5, 0x2f, 0xfd},
	}

	for _, name := range []string{EncodingIdentity, EncodingGzip, EncodingZstd, EncodingBrotli} {
		codec, err := CodecByName(name)
		if err != nil {
			t.Fatalf("CodecByName(%q): %v", name, err)
		}
		for pname, p := range payloads {
			t.Run(name+"/"+pname, func(t *testing.T) {
				enc, err := codec.Encode(p)
				if err != nil {
					t.Fatalf("Encode: %v", err)
				}
				dec, err := codec.Decode(enc)
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if !bytes.Equal(dec, p) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(dec), len(p))
				}
			})
		}
	}
}

func TestCodecs_Compress(t *testing.T) {
	p := []byte(strings.Repeat("abcdefgh", 4096))

	for _, name := range []string{EncodingGzip, EncodingZstd, EncodingBrotli} {
		codec, _ := CodecByName(name)
		enc, err := codec.Encode(p)
		if err != nil {
			t.Fatalf("%s Encode: %v", name, err)
		}
		if len(enc) >= len(p)/10 {
			t.Errorf("%s: encoded %d bytes from %d, expected strong compression", name, len(enc), len(p))
		}
	}
}

func TestCodecs_DecodeGarbage(t *testing.T) {
	for _, name := range []string{EncodingGzip, EncodingZstd, EncodingBrotli} {
		codec, _ := CodecByName(name)
		if _, err := codec.Decode([]byte("definitely not compressed")); err == nil {
			t.Errorf("%s: expected error decoding garbage", name)
		}
	}
}

func TestIdentityCodec_DoesNotAlias(t *testing.T) {
	p := []byte("abc")
	enc, _ := IdentityCodec{}.Encode(p)
	p[0] = 'x'
	if string(enc) != "abc" {
		t.Errorf("encoded value changed with its source: %q", enc)
	}
}

func TestCodecs_Concurrent(t *testing.T) {
	for _, name := range []string{EncodingGzip, EncodingZstd} {
		codec, _ := CodecByName(name)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := bytes.Repeat([]byte{byte('a' + i)}, 1024)
				for j := 0; j < 50; j++ {
					enc, err := codec.Encode(p)
					if err != nil {
						t.Errorf("%s Encode: %v", name, err)
						return
					}
					dec, err := codec.Decode(enc)
					if err != nil || !bytes.Equal(dec, p) {
						t.Errorf("%s round trip failed: %v", name, err)
						return
					}
				}
			}(i)
		}
		wg.Wait()
	}
}
