package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.SetNX(ctx, "lock", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock", "1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMemorySetNXExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if ok, _ := s.SetNX(ctx, "lock", "1", time.Minute); !ok {
		t.Fatal("first SetNX should succeed")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := s.SetNX(ctx, "lock", "1", time.Minute); !ok {
		t.Fatal("SetNX after expiry should succeed")
	}
}

func TestMemoryListOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.RPush(ctx, "q", "a", "b", "c"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.LLen(ctx, "q"); n != 3 {
		t.Fatalf("LLen = %d, want 3", n)
	}
	if v, _ := s.LPop(ctx, "q"); v != "a" {
		t.Fatalf("LPop = %q, want a", v)
	}
	got, _ := s.LRange(ctx, "q", 0, -1)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("LRange = %v", got)
	}
	if _, err := s.LPop(ctx, "missing"); err != ErrNil {
		t.Fatalf("LPop missing = %v, want ErrNil", err)
	}
}

func TestMemoryAppendListTrims(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		if err := s.AppendList(ctx, "conv", []string{string(rune('a' + i))}, 3, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.LRange(ctx, "conv", 0, -1)
	if len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Fatalf("AppendList kept %v, want newest three", got)
	}
}

func TestMemoryGetDel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "k"); err != ErrNil {
		t.Fatalf("Get missing = %v, want ErrNil", err)
	}
	if ok, _ := s.SetNX(ctx, "k", "v", 0); !ok {
		t.Fatal("SetNX failed")
	}
	if v, err := s.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("Get = (%q, %v)", v, err)
	}
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "k"); ok {
		t.Fatal("key should be gone")
	}
}
