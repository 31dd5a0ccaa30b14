package grounded

import (
	"errors"
	"testing"
)

func TestDecodeStrictJSON(t *testing.T) {
	type out struct {
		Answer string `json:"answer"`
	}

	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"plain", `{"answer":"yes"}`, "yes", false},
		{"fenced", "```json\n{\"answer\":\"yes\"}\n```", "yes", false},
		{"fenced no lang", "```\n{\"answer\":\"yes\"}\n```", "yes", false},
		{"trailing comma repaired", `{"answer":"yes",}`, "yes", false},
		{"single quotes repaired", `{'answer':'yes'}`, "yes", false},
		{"empty", "", "", true},
		{"prose only", "I cannot answer that.", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v out
			err := decodeStrictJSON(tc.raw, &v)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidResponse) {
					t.Errorf("error not ErrInvalidResponse: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Answer != tc.want {
				t.Errorf("answer = %q, want %q", v.Answer, tc.want)
			}
		})
	}
}

func TestConfigFromTask(t *testing.T) {
	c := ConfigFromTask(map[string]string{"llm.model": "gpt-4.1"}, "gpt-4o-mini")
	if c.Model != "gpt-4.1" {
		t.Errorf("model = %q, want override", c.Model)
	}
	c = ConfigFromTask(nil, "gpt-4o-mini")
	if c.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want default", c.Model)
	}
}
