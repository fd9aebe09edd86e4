package types

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		wantErr error
	}{
		{"short ascii", "hi", 128, nil},
		{"exactly at limit", strings.Repeat("a", 128), 128, nil},
		{"over limit", strings.Repeat("a", 129), 128, ErrContentTooLong},
		{"multibyte counted as runes", strings.Repeat("弹", 128), 128, nil},
		{"multibyte over limit", strings.Repeat("弹", 129), 128, ErrContentTooLong},
		{"limit disabled", strings.Repeat("a", 1000), 0, nil},
		{"empty", "", 128, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content, tt.max)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateContent() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateContent() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidPrefix(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"valid ascii", []byte("hello"), "hello"},
		{"valid multibyte", []byte("弹幕"), "弹幕"},
		{"invalid in middle", []byte{'a', 'b', 0xff, 'c'}, "ab"},
		{"truncated multibyte at end", append([]byte("ok"), 0xe5, 0xbc), "ok"},
		{"invalid first byte", []byte{0xc0, 'a'}, ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidPrefix(tt.input); got != tt.want {
				t.Errorf("ValidPrefix(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRepertoireClone(t *testing.T) {
	orig := Repertoire{Programs: []Program{{ID: 1, Name: "Opening"}}, Current: 0}
	cp := orig.Clone()
	cp.Programs[0].Name = "changed"
	if orig.Programs[0].Name != "Opening" {
		t.Errorf("Clone aliased the programs slice")
	}
}
