package journal

import (
	"errors"
	"strings"
	"testing"
)

func TestNewRecordIDValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "valid", input: "rec-1", want: "rec-1"},
		{name: "trims-whitespace", input: "  rec-2  ", want: "rec-2"},
		{name: "empty", input: "   ", wantErr: ErrInvalidRecordID},
		{name: "too-long", input: strings.Repeat("a", 191), wantErr: ErrInvalidRecordID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewRecordID(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, id.String())
			}
		})
	}
}

func TestNewOwnerKeyRejectsEmpty(t *testing.T) {
	if _, err := NewOwnerKey(""); !errors.Is(err, ErrInvalidOwnerKey) {
		t.Fatalf("expected ErrInvalidOwnerKey, got %v", err)
	}
}

func TestCloneBlocksIsIndependent(t *testing.T) {
	original := []Block{{ID: "b1", Text: "first", CreatedAtSeconds: 100}}
	cloned := CloneBlocks(original)

	original[0].Text = "mutated"

	if cloned[0].Text != "first" {
		t.Fatalf("clone should not observe later mutation, got %q", cloned[0].Text)
	}
}

func TestCloneBlocksNil(t *testing.T) {
	if CloneBlocks(nil) != nil {
		t.Fatalf("nil content should clone to nil")
	}
}

func TestProvisionalIdentifiers(t *testing.T) {
	id, err := NewProvisionalID(NewUUIDProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsProvisionalID(id) {
		t.Fatalf("expected %q to be provisional", id)
	}
	if IsProvisionalID("0198b2c4-0000-7000-8000-000000000000") {
		t.Fatalf("permanent identifier misclassified as provisional")
	}
}
