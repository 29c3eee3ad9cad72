package ogg

import (
	"errors"
	"testing"
)

func TestPageHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	body := payload('p', 300)
	h := PageHeader{
		Flags:           FlagBOS | FlagEOS,
		GranulePosition: -1,
		Serial:          0x01020304,
		Sequence:        42,
		Lacing:          Lacing(300),
	}
	page := AppendPage([]byte("prefix"), &h, body)[len("prefix"):]

	got, err := parseFixedHeader(page, 100)
	if err != nil {
		t.Fatalf("parseFixedHeader: %v", err)
	}
	got.Lacing = page[headerSize : headerSize+int(page[26])]
	if got.Offset != 100 || got.Serial != h.Serial || got.Sequence != 42 || got.GranulePosition != -1 {
		t.Errorf("header = %+v", got)
	}
	if !got.Flags.BOS() || !got.Flags.EOS() || got.Flags.Continued() {
		t.Errorf("flags = %#x", got.Flags)
	}
	if got.BodyLen() != 300 || got.Len() != len(page) {
		t.Errorf("BodyLen %d Len %d, page is %d bytes", got.BodyLen(), got.Len(), len(page))
	}
	if sum := pageCRC(page[:got.HeaderLen()], page[got.HeaderLen():]); sum != got.Checksum {
		t.Errorf("checksum %08x, computed %08x", got.Checksum, sum)
	}

	page[len(page)-1] ^= 1
	if sum := pageCRC(page[:got.HeaderLen()], page[got.HeaderLen():]); sum == got.Checksum {
		t.Error("checksum did not change with the body")
	}
}

func TestParseFixedHeaderErrors(t *testing.T) {
	t.Parallel()
	page := encodePage(0, 1, 0, 0, Lacing(1), []byte{0})

	if _, err := parseFixedHeader(page[:10], 0); !errors.Is(err, ErrShortHeader) {
		t.Errorf("short: %v", err)
	}
	bad := append([]byte(nil), page...)
	bad[0] = 'X'
	if _, err := parseFixedHeader(bad, 0); !errors.Is(err, ErrCapturePattern) {
		t.Errorf("pattern: %v", err)
	}
	bad = append([]byte(nil), page...)
	bad[4] = 1
	_, err := parseFixedHeader(bad, 77)
	if !errors.Is(err, ErrVersion) {
		t.Errorf("version: %v", err)
	}
	var pe *PageError
	if !errors.As(err, &pe) || pe.Offset != 77 {
		t.Errorf("error %v is not a PageError at 77", err)
	}
}

func TestSpans(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		lacing []byte
		want   []span
	}{
		{"empty", nil, nil},
		{"single", []byte{10}, []span{{0, 10, false}}},
		{"exact multiple closes with zero", []byte{255, 0}, []span{{0, 255, false}}},
		{"two packets", []byte{255, 20, 5}, []span{{0, 275, false}, {275, 5, false}}},
		{"continued tail", []byte{7, 255, 255}, []span{{0, 7, false}, {7, 510, true}}},
		{"zero length packet", []byte{0, 3}, []span{{0, 0, false}, {0, 3, false}}},
	}
	for _, tt := range tests {
		got := spans(tt.lacing)
		if len(got) != len(tt.want) {
			t.Errorf("%s: spans = %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: span %d = %v, want %v", tt.name, i, got[i], tt.want[i])
			}
		}
	}
}
