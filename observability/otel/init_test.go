package otel

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected service name requirement")
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer x , broken, =skip,tenant=verto")
	if len(headers) != 2 || headers["authorization"] != "Bearer x" || headers["tenant"] != "verto" {
		t.Fatalf("unexpected headers %v", headers)
	}
}
