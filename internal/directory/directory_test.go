package directory

import (
	"context"
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestStaticExcludesActor(t *testing.T) {
	t.Parallel()
	d := NewStatic([]User{
		{ID: "u1", Address: "carol@example.com"},
		{ID: "u2", Address: "alice@example.com"},
		{ID: "u3", Address: " bob@example.com "},
		{ID: "u4", Address: ""},
		{ID: "u5", Address: "alice@example.com"},
	})
	tests := []struct {
		actor string
		want  []string
	}{
		{"u1", []string{"alice@example.com", "bob@example.com"}},
		{"u3", []string{"alice@example.com", "carol@example.com"}},
		{"", []string{"alice@example.com", "bob@example.com", "carol@example.com"}},
		{"nobody", []string{"alice@example.com", "bob@example.com", "carol@example.com"}},
	}
	for _, tt := range tests {
		got, err := d.AllAddressesExcept(context.Background(), tt.actor)
		if err != nil {
			t.Fatalf("AllAddressesExcept(%q) error: %v", tt.actor, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("AllAddressesExcept(%q) = %v, want %v", tt.actor, got, tt.want)
		}
	}
}

func TestActorFilter(t *testing.T) {
	t.Parallel()
	hex := "65a1b2c3d4e5f60718293a4b"
	oid, _ := primitive.ObjectIDFromHex(hex)

	tests := []struct {
		in   string
		want bson.M
	}{
		{"", bson.M{}},
		{hex, bson.M{"_id": bson.M{"$ne": oid}}},
		{"legacy-42", bson.M{"_id": bson.M{"$ne": "legacy-42"}}},
	}
	for _, tt := range tests {
		if got := actorFilter(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("actorFilter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
