package partition

import (
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/mirip/internal/models"
)

func TestPolicy_Collection(t *testing.T) {
	p := NewPolicy("")
	if p.Default() != DefaultCollection {
		t.Errorf("Default() = %q, want %q", p.Default(), DefaultCollection)
	}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DefaultCollection, false},
		{"  products ", "products", false},
		{"bad-name", "", true},
	}
	for _, tt := range tests {
		got, err := p.Collection(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Collection(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Collection(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if name, _ := NewPolicy("images").Collection(""); name != "images" {
		t.Errorf("custom default = %q, want images", name)
	}
}

func TestPolicy_Scope(t *testing.T) {
	p := NewPolicy("default")
	s, err := p.Scope("", " shop1 ")
	if err != nil {
		t.Fatal(err)
	}
	if s != (Scope{Collection: "default", Group: "shop1"}) {
		t.Errorf("Scope = %+v", s)
	}
	if !s.Scoped() {
		t.Error("scope with a group should be scoped")
	}
	for group, want := range map[string]bool{"shop1": true, "shop2": false, "": false} {
		if got := s.Matches(group); got != want {
			t.Errorf("Matches(%q) = %v, want %v", group, got, want)
		}
	}

	unscoped, err := p.Scope("default", "")
	if err != nil {
		t.Fatal(err)
	}
	if unscoped.Scoped() {
		t.Error("scope without a group should be unscoped")
	}
	if !unscoped.Matches("anything") || !unscoped.Matches("") {
		t.Error("unscoped scope should match every group")
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"default", false},
		{"_private", false},
		{"Images_2024", false},
		{"", true},
		{"1st", true},
		{"has space", true},
		{"semi;colon", true},
		{strings.Repeat("a", 256), true},
		{strings.Repeat("a", 255), false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("ValidateName(%q) error should wrap ErrInvalidInput", tt.name)
		}
	}
}
