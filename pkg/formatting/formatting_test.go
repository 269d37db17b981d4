package formatting_test

import (
	"errors"
	"testing"

	"github.com/JaimeStill/safeguard/pkg/formatting"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"512B", 512, false},
		{"10MB", 10 << 20, false},
		{"10mb", 10 << 20, false},
		{" 1 GB ", 1 << 30, false},
		{"", 0, true},
		{"50XX", 0, true},
		{"-5MB", 0, true},
	}

	for _, tt := range tests {
		got, err := formatting.ParseBytes(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBytes(%q): error %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBytes(%q): got %d, want %d", tt.input, got, tt.want)
		}
	}
}

type narrative struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		summary string
		wantErr bool
	}{
		{"direct", `{"summary": "SUBJ-AB12 was late twice."}`, "SUBJ-AB12 was late twice.", false},
		{"fenced", "```json\n{\"summary\": \"fenced\"}\n```", "fenced", false},
		{"fenced with prose", "Here you go:\n```\n{\"summary\": \"wrapped\"}\n```\nThanks.", "wrapped", false},
		{"prose only", "I cannot help with that.", "", true},
		{"broken fence", "```json\n{broken\n```", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatting.Parse[narrative](tt.input)
			if tt.wantErr {
				if !errors.Is(err, formatting.ErrParseFailed) {
					t.Errorf("error: got %v, want ErrParseFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Summary != tt.summary {
				t.Errorf("summary: got %q, want %q", got.Summary, tt.summary)
			}
		})
	}
}
