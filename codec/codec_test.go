package codec_test

import (
	"testing"

	"github.com/veldtlabs/txwork/codec"
)

type payload struct {
	UserID int    `json:"user_id" msgpack:"user_id"`
	Email  string `json:"email" msgpack:"email"`
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []codec.Codec{&codec.JSON{}, &codec.Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			in := payload{UserID: 42, Email: "user@example.com"}

			data, err := c.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var out payload
			if err := c.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out != in {
				t.Errorf("round-trip mismatch: %+v != %+v", out, in)
			}
		})
	}
}

func TestGet(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"json", codec.NameJSON},
		{"msgpack", codec.NameMsgpack},
		{"", codec.NameJSON},
		{"protobuf", codec.NameJSON}, // unknown falls back to JSON
	}

	for _, tt := range tests {
		if got := codec.Get(tt.name).Name(); got != tt.want {
			t.Errorf("Get(%q).Name() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
