package encoding

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

type position struct {
	Key string  `json:"key" msgpack:"key"`
	X   float64 `json:"x" msgpack:"x"`
	Y   float64 `json:"y" msgpack:"y"`
	T   int64   `json:"t" msgpack:"t"`
}

func TestNewCodec_Defaults(t *testing.T) {
	c, err := NewCodec("", "")
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	if c.Format != FormatJSON || c.Compression != CompressionNone {
		t.Errorf("unexpected defaults: %+v", c)
	}
}

func TestNewCodec_Rejects(t *testing.T) {
	if _, err := NewCodec("xml", ""); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := NewCodec("json", "lz4"); err == nil {
		t.Error("expected error for unknown compression")
	}
}

func TestCodec_JSONIsPlainWire(t *testing.T) {
	c, _ := NewCodec("json", "none")
	data, err := c.Marshal(position{Key: "TROOTS-1", X: 1.5, Y: -2, T: 100})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"key":"TROOTS-1","x":1.5,"y":-2,"t":100}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
	if c.ContentType() != "application/json" {
		t.Errorf("unexpected content type %s", c.ContentType())
	}
}

func TestCodec_AllCombinations(t *testing.T) {
	in := position{Key: "TROOTS-2", X: 10, Y: 20, T: 1700000000}

	for _, format := range []string{"json", "msgpack"} {
		for _, compression := range []string{"none", "zstd"} {
			name := format + "/" + compression
			t.Run(name, func(t *testing.T) {
				c, err := NewCodec(format, compression)
				if err != nil {
					t.Fatalf("NewCodec failed: %v", err)
				}
				data, err := c.Marshal(in)
				if err != nil {
					t.Fatalf("Marshal failed: %v", err)
				}
				var out position
				if err := c.Unmarshal(data, &out); err != nil {
					t.Fatalf("Unmarshal failed: %v", err)
				}
				if out != in {
					t.Errorf("expected %+v, got %+v", in, out)
				}
			})
		}
	}
}

func TestCodec_ZstdShrinksRepetitivePayload(t *testing.T) {
	c, _ := NewCodec("json", "zstd")
	payload := map[string]string{"key": strings.Repeat("TROOTS-", 200)}

	plain, _ := NewCodec("json", "none")
	raw, _ := plain.Marshal(payload)
	compressed, err := c.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if len(compressed) >= len(raw) {
		t.Errorf("expected compression, raw=%d compressed=%d", len(raw), len(compressed))
	}
}

func TestUnmarshalMsgpack_StringPreservation(t *testing.T) {
	data, err := MarshalMsgpack(map[string]interface{}{"key": "TROOTS-1"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out map[string]interface{}
	if err := UnmarshalMsgpack(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := out["key"].(string); !ok {
		t.Errorf("expected string, got %T", out["key"])
	}
}

func TestCodec_ConcurrentMarshal(t *testing.T) {
	c, _ := NewCodec("msgpack", "zstd")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := c.Marshal(position{Key: "k", T: int64(i)})
			if err != nil {
				errs <- err
				return
			}
			var out position
			if err := c.Unmarshal(data, &out); err != nil {
				errs <- err
				return
			}
			if out.T != int64(i) {
				errs <- fmt.Errorf("expected t=%d, got %d", i, out.T)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent codec error: %v", err)
	}
}
