package counter

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestUnseenKeyIsZero(t *testing.T) {
	c := NewMemory()
	if count, err := c.Get(context.Background(), "never"); count != 0 || err != nil {
		t.Fatalf("Get returned %d, %v", count, err)
	}
}

func TestIncrementReturnsNewCount(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	for want := int64(1); want <= 3; want++ {
		if got, _ := c.Increment(ctx, "a"); got != want {
			t.Fatalf("Increment returned %d, want %d", got, want)
		}
	}
	if got, _ := c.Get(ctx, "a"); got != 3 {
		t.Fatalf("Get returned %d", got)
	}
}

func TestNoLostIncrements(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	const goroutines, perGoroutine = 64, 500
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Increment(ctx, "shared")
				c.Increment(ctx, fmt.Sprintf("own-%d", i))
			}
		}(i)
	}
	wg.Wait()

	if got, _ := c.Get(ctx, "shared"); got != goroutines*perGoroutine {
		t.Fatalf("Shared count is %d, want %d", got, goroutines*perGoroutine)
	}
	for i := 0; i < goroutines; i++ {
		if got, _ := c.Get(ctx, fmt.Sprintf("own-%d", i)); got != perGoroutine {
			t.Fatalf("Count for own-%d is %d", i, got)
		}
	}
}

func TestForEachIsOrderedAndStoppable(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	c.Increment(ctx, "b")
	c.Increment(ctx, "a")
	c.Increment(ctx, "b")
	c.Increment(ctx, "c")

	var seen []string
	c.ForEach(ctx, func(key string, count int64) bool {
		seen = append(seen, fmt.Sprintf("%s=%d", key, count))
		return true
	})
	if got := fmt.Sprint(seen); got != "[a=1 b=2 c=1]" {
		t.Fatalf("ForEach visited %s", got)
	}

	visits := 0
	c.ForEach(ctx, func(string, int64) bool {
		visits++
		return false
	})
	if visits != 1 {
		t.Fatalf("ForEach kept going after false: %d visits", visits)
	}
}

func TestForEachHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewMemory()
	c.Increment(ctx, "a")
	cancel()
	if err := c.ForEach(ctx, func(string, int64) bool { return true }); err != context.Canceled {
		t.Fatalf("ForEach returned %v", err)
	}
}
