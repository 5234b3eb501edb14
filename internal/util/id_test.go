package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("conn")
	if !strings.HasPrefix(id, "conn_") || len(id) != len("conn_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected distinct ids")
	}
}
