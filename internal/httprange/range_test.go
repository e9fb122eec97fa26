package httprange

import (
	"testing"
)

func TestContentRangeString(t *testing.T) {
	var tests = []struct {
		cr   ContentRange
		want string
	}{
		{ContentRange{Start: 0, End: 999, Size: 2000}, "bytes 0-999/2000"},
		{ContentRange{Start: 1000, End: 1999, Size: 2000}, "bytes 1000-1999/2000"},
		{ContentRange{Start: 0, End: 9, Size: UnknownSize}, "bytes 0-9/*"},
		{Empty(2000), "bytes */2000"},
		{Empty(UnknownSize), "bytes */*"},
		{Empty(0), "bytes */0"},
	}

	for _, tt := range tests {
		if got := tt.cr.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.cr, got, tt.want)
		}
	}
}

func TestParseContentRange(t *testing.T) {
	var tests = []struct {
		s   string
		cr  ContentRange
		err string
	}{
		{"", ContentRange{}, "invalid unit of Content-Range header"},
		{"bytes 500-600", ContentRange{}, "invalid size of Content-Range header"},
		{"bytes 500-600/x", ContentRange{}, "cannot parse size of Content-Range header"},
		{"bytes -600/999", ContentRange{}, "cannot parse start of Content-Range header"},
		{"bytes 600-500/999", ContentRange{}, "cannot parse end of Content-Range header"},
		{"bytes 500-999/999", ContentRange{}, "end of Content-Range header exceeds its size"},
		{"bytes 500-600/999", ContentRange{Start: 500, End: 600, Size: 999}, ""},
		{"bytes 500-600/*", ContentRange{Start: 500, End: 600, Size: UnknownSize}, ""},
		{"bytes */999", Empty(999), ""},
		{"bytes */*", Empty(UnknownSize), ""},
	}

	for _, tt := range tests {
		cr, err := ParseContentRange(tt.s)
		if tt.err != "" {
			if err == nil || err.Error() != tt.err {
				t.Errorf("ParseContentRange(%q) error = %v, want %q", tt.s, err, tt.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseContentRange(%q) returned error %q", tt.s, err)
			continue
		}
		if cr != tt.cr {
			t.Errorf("ParseContentRange(%q) = %+v, want %+v", tt.s, cr, tt.cr)
		}
	}
}

func TestContentRangeRoundTrip(t *testing.T) {
	for _, cr := range []ContentRange{
		{Start: 0, End: 0, Size: 1},
		{Start: 256, End: 511, Size: UnknownSize},
		Empty(42),
	} {
		parsed, err := ParseContentRange(cr.String())
		if err != nil {
			t.Fatalf("ParseContentRange(%q) returned error %q", cr.String(), err)
		}
		if parsed.Length() != cr.Length() || parsed.Size != cr.Size {
			t.Errorf("round trip of %q = %+v", cr.String(), parsed)
		}
	}
}

func TestIsLastByte(t *testing.T) {
	if !(ContentRange{Start: 10, End: 19, Size: 20}).IsLastByte() {
		t.Error("expected last byte")
	}
	if (ContentRange{Start: 0, End: 9, Size: 20}).IsLastByte() {
		t.Error("unexpected last byte")
	}
	if (ContentRange{Start: 0, End: 9, Size: UnknownSize}).IsLastByte() {
		t.Error("unexpected last byte for unknown size")
	}
}

func TestParseReceived(t *testing.T) {
	var tests = []struct {
		s       string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"bytes=0-999", 1000, false},
		{"bytes=0-0", 1, false},
		{" bytes=0-1999 ", 2000, false},
		{"bytes=10-999", 0, true},
		{"bytes=0-", 0, true},
		{"bytes=0-5,7-9", 0, true},
		{"items=0-5", 0, true},
		{"bytes=5-4", 0, true},
		{"bytes=A-Z", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseReceived(tt.s)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseReceived(%q) error = %v, wantErr %v", tt.s, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseReceived(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}
}
