package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Name != "memory" || b.Postgres != nil {
		t.Fatalf("expected memory backend, got %s", b.Name)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	b, err = Open(ctx, Options{RedisAddr: mr.Addr(), RedisPrefix: "t:"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Name != "redis" {
		t.Fatalf("expected redis backend, got %s", b.Name)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	mr.Close()
	if err := b.Ping(ctx); err == nil {
		t.Fatal("expected ping to fail once redis is gone")
	}
}

func TestOpenFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := Open(context.Background(), Options{RedisAddr: addr}, nil); err == nil {
		t.Fatal("expected error")
	}
}
