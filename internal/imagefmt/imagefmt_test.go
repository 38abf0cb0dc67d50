package imagefmt

import "testing"

func TestDetect(t *testing.T) {
	cases := []struct {
		name   string
		data   []byte
		format Format
		ok     bool
	}{
		{name: "jpeg", data: []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, format: JPEG, ok: true},
		{name: "png", data: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0x00, 0x00, 0x00, 0x0D}, format: PNG, ok: true},
		{name: "gif87a", data: []byte("GIF87a\x01\x00\x01\x00"), format: GIF, ok: true},
		{name: "gif89a", data: []byte("GIF89a\x01\x00\x01\x00"), format: GIF, ok: true},
		{name: "webp", data: []byte("RIFF\x24\x00\x00\x00WEBPVP8 "), format: WEBP, ok: true},
		{name: "bmp", data: []byte("BM\x36\x00\x0C\x00"), format: BMP, ok: true},
		{name: "riff without webp tag", data: []byte("RIFF\x24\x00\x00\x00WAVEfmt "), ok: false},
		{name: "riff truncated before tag", data: []byte("RIFF\x24\x00"), ok: false},
		{name: "jpeg truncated magic", data: []byte{0xFF, 0xD8}, ok: false},
		{name: "empty", data: nil, ok: false},
		{name: "plain text", data: []byte("hello face swap"), ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			format, ok := Detect(tc.data)
			if ok != tc.ok {
				t.Fatalf("Detect ok = %v, want %v", ok, tc.ok)
			}
			if format != tc.format {
				t.Fatalf("Detect format = %q, want %q", format, tc.format)
			}
		})
	}
}

func TestDetectIgnoresTrailingBytes(t *testing.T) {
	data := append([]byte{0xFF, 0xD8, 0xFF}, make([]byte, 4096)...)
	format, ok := Detect(data)
	if !ok || format != JPEG {
		t.Fatalf("Detect = %q, %v, want jpeg match", format, ok)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte("GIF89a")) {
		t.Fatal("expected gif payload to be valid")
	}
	if Valid([]byte("<html>")) {
		t.Fatal("expected html payload to be invalid")
	}
}

func TestMIME(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{name: "png", data: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, want: "image/png"},
		{name: "webp", data: []byte("RIFF\x00\x00\x00\x00WEBP"), want: "image/webp"},
		{name: "bmp", data: []byte("BMxxxx"), want: "image/bmp"},
		{name: "unknown falls back to jpeg", data: []byte("not an image"), want: "image/jpeg"},
		{name: "empty falls back to jpeg", data: nil, want: "image/jpeg"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MIME(tc.data); got != tc.want {
				t.Fatalf("MIME = %q, want %q", got, tc.want)
			}
		})
	}
}
