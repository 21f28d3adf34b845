package pool

import (
	"sync"
	"testing"
)

func TestAllocCommitGet(t *testing.T) {
	p := New[string](2)

	ref, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Set(ref, "hello"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := p.Get(ref); ok {
		t.Fatalf("Get should not see a value before Commit")
	}

	if err := p.Commit(ref); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, ok := p.Get(ref)
	if !ok || v != "hello" {
		t.Fatalf("Get after Commit = %q, %v; want \"hello\", true", v, ok)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := New[int](2)

	if _, err := p.Alloc(); err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if _, err := p.Alloc(); err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if _, err := p.Alloc(); err != ErrFull {
		t.Fatalf("Alloc 3 = %v; want ErrFull", err)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	p := New[int](1)

	ref, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	p.Release(ref)

	if _, err := p.Alloc(); err != nil {
		t.Fatalf("Alloc after Release: %v", err)
	}
}

func TestReleaseBumpsGenerationRejectsStaleRef(t *testing.T) {
	p := New[int](1)

	ref, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_ = p.Set(ref, 42)
	_ = p.Commit(ref)
	p.Release(ref)

	// A new occupant takes the same index, different generation.
	ref2, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if ref2.Index != ref.Index {
		t.Fatalf("expected slot reuse at same index")
	}
	if ref2.Generation == ref.Generation {
		t.Fatalf("expected generation to change after Release")
	}

	if _, ok := p.Get(ref); ok {
		t.Fatalf("stale ref should not resolve after generation bump")
	}
	if err := p.Commit(ref); err == nil {
		t.Fatalf("Commit with stale ref should fail")
	}
}

func TestGetOutOfRange(t *testing.T) {
	p := New[int](1)
	if _, ok := p.Get(Ref{Index: 5}); ok {
		t.Fatalf("Get out-of-range index should report not ok")
	}
	if _, ok := p.Get(Ref{Index: -1}); ok {
		t.Fatalf("Get negative index should report not ok")
	}
}

func TestUsedCounts(t *testing.T) {
	p := New[int](3)
	if p.Used() != 0 {
		t.Fatalf("Used() = %d; want 0", p.Used())
	}

	ref, _ := p.Alloc()
	if p.Used() != 1 {
		t.Fatalf("Used() = %d; want 1 after Alloc", p.Used())
	}

	_ = p.Commit(ref)
	if p.Used() != 1 {
		t.Fatalf("Used() = %d; want 1 after Commit", p.Used())
	}

	p.Release(ref)
	if p.Used() != 0 {
		t.Fatalf("Used() = %d; want 0 after Release", p.Used())
	}
}

func TestConcurrentAllocRelease(t *testing.T) {
	p := New[int](8)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ref, err := p.Alloc()
			if err != nil {
				return
			}
			_ = p.Set(ref, n)
			_ = p.Commit(ref)
			p.Release(ref)
		}(i)
	}
	wg.Wait()

	if used := p.Used(); used != 0 {
		t.Fatalf("Used() = %d after all goroutines released; want 0", used)
	}
}

func TestLen(t *testing.T) {
	p := New[int](7)
	if p.Len() != 7 {
		t.Fatalf("Len() = %d; want 7", p.Len())
	}
}
