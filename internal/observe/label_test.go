package observe

import (
	"errors"
	"testing"
)

func TestParseLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		label   string
		want    Key
		wantErr bool
	}{
		{name: "three segments", label: "foo/cam--X/ptA", want: Key{Camera: "X", Point: "ptA"}},
		{name: "two segments", label: "cam--A/pt1", want: Key{Camera: "A", Point: "pt1"}},
		{name: "deep path", label: "data/2024/session/cam--left/frame-0042.png", want: Key{Camera: "left", Point: "frame-0042.png"}},
		{name: "last separator wins", label: "s/run--7--cam--B/p", want: Key{Camera: "B", Point: "p"}},
		{name: "windows separators", label: `videos\cam--C\img0001`, want: Key{Camera: "C", Point: "img0001"}},
		{name: "single segment", label: "justoneseg", wantErr: true},
		{name: "no camera separator", label: "foo/camX/ptA", wantErr: true},
		{name: "empty camera name", label: "foo/cam--/ptA", wantErr: true},
		{name: "empty point name", label: "foo/cam--X/", wantErr: true},
		{name: "empty label", label: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLabel(tt.label)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedLabel) {
					t.Fatalf("ParseLabel(%q) error = %v, want ErrMalformedLabel", tt.label, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLabel(%q) unexpected error: %v", tt.label, err)
			}
			if got != tt.want {
				t.Errorf("ParseLabel(%q) = %+v, want %+v", tt.label, got, tt.want)
			}
		})
	}
}

func TestParseRowsRejectsWholeInput(t *testing.T) {
	t.Parallel()

	rows := []Row{
		{Label: "s/cam--A/p1", Values: []float64{1, 2}},
		{Label: "broken", Values: []float64{3, 4}},
		{Label: "s/cam--B/p1", Values: []float64{5, 6}},
	}
	obs, err := ParseRows(rows)
	if !errors.Is(err, ErrMalformedLabel) {
		t.Fatalf("ParseRows error = %v, want ErrMalformedLabel", err)
	}
	if obs != nil {
		t.Errorf("ParseRows returned %d observations alongside an error", len(obs))
	}
}
