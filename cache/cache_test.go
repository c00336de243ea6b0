package cache

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()
	hash := Key([]byte("bytecode"))

	if _, err := c.Get(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty cache = %v, want ErrNotFound", err)
	}

	a := &Artifact{
		Version:    [3]uint8{0, 1, 0},
		Key:        hash,
		LLVM:       "define i32 @main() {\n}\n",
		Functions:  []string{"main", "fib"},
	}
	if err := c.Put(ctx, a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := uuid.Parse(a.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", a.ID, err)
	}
	if a.Created == 0 {
		t.Error("Created not set")
	}

	got, err := c.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != a.ID || got.LLVM != a.LLVM || got.Version != a.Version || got.Created != a.Created {
		t.Errorf("Get = %+v, want %+v", got, a)
	}
	if len(got.Functions) != 2 || got.Functions[1] != "fib" {
		t.Errorf("Functions = %v", got.Functions)
	}
}

func TestPutReplaces(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()
	hash := Key([]byte("x"))

	for _, llvm := range []string{"first", "second"} {
		if err := c.Put(ctx, &Artifact{Key: hash, LLVM: llvm}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.Get(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.LLVM != "second" {
		t.Errorf("LLVM = %q, want second", got.LLVM)
	}
	if n, err := c.Len(ctx); err != nil || n != 1 {
		t.Errorf("Len = %d, %v; want 1", n, err)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()
	hash := Key([]byte("persist"))

	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, &Artifact{Key: hash, LLVM: "kept"}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got, err := c.Get(ctx, hash); err != nil || got.LLVM != "kept" {
		t.Errorf("Get after reopen = %v, %v", got, err)
	}
}

func TestCanonicalEncoding(t *testing.T) {
	a := &Artifact{ID: "id", Key: Key(nil), Functions: []string{"main"}, Created: 42}
	b := *a
	x, err := MarshalArtifact(a)
	if err != nil {
		t.Fatal(err)
	}
	y, err := MarshalArtifact(&b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(x, y) {
		t.Error("equal artifacts encoded differently")
	}

	if _, err := UnmarshalArtifact([]byte{0xff}); err == nil {
		t.Error("UnmarshalArtifact accepted garbage")
	}
}

func TestKey(t *testing.T) {
	if Key([]byte("a")) == Key([]byte("b")) {
		t.Error("distinct inputs share a key")
	}
	if Key([]byte("a")) != Key([]byte("a")) {
		t.Error("Key is not deterministic")
	}

	data := []byte("bytecode")
	for _, tc := range []struct {
		name string
		a, b []string
	}{
		{"differing config", []string{"module=a"}, []string{"module=b"}},
		{"missing config", nil, []string{""}},
		{"split config", []string{"ab"}, []string{"a", "b"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if Key(data, tc.a...) == Key(data, tc.b...) {
				t.Errorf("Key(%q) == Key(%q)", tc.a, tc.b)
			}
		})
	}
}

func TestConcurrentPuts(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := c.Put(ctx, &Artifact{Key: Key([]byte{byte(n)})}); err != nil {
				t.Error(err)
			}
		}(n)
	}
	wg.Wait()

	if n, err := c.Len(ctx); err != nil || n != 8 {
		t.Errorf("Len = %d, %v; want 8", n, err)
	}
}
