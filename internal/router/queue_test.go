package router

import (
	"sync"
	"testing"
	"time"
)

func TestQueuePushPop(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}
	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueueGrowsNearCapacity(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 7; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Capacity <= 10 {
		t.Errorf("Capacity = %d, expected growth after 70%% fill", stats.Capacity)
	}
	if stats.ResizeCount != 1 {
		t.Errorf("ResizeCount = %d, want 1", stats.ResizeCount)
	}

	for i := 0; i < 7; i++ {
		val, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}
}

func TestQueueNeverDropsUnderLoad(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	stats := q.Stats()
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.ResizeCount < 3 {
		t.Errorf("ResizeCount = %d, expected at least 3 resizes", stats.ResizeCount)
	}

	for i := 0; i < 100; i++ {
		val, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}
}

func TestQueueBlockingPop(t *testing.T) {
	q := NewQueue[int](10)
	popped := make(chan int, 1)

	go func() {
		val, ok := q.Pop()
		if ok {
			popped <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(42)

	select {
	case val := <-popped:
		if val != 42 {
			t.Errorf("popped %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Pop")
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue[int](10)
	q.Push(1)
	q.Push(2)

	q.Close()

	if q.Push(3) {
		t.Error("Push should return false after Close")
	}
	if val, ok := q.Pop(); !ok || val != 1 {
		t.Errorf("Pop() = %d, %v; want 1, true", val, ok)
	}
	if val, ok := q.Pop(); !ok || val != 2 {
		t.Errorf("Pop() = %d, %v; want 2, true", val, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop should return false when empty and closed")
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := NewQueue[int](10)
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pop")
	}
}

func TestQueueConcurrentPushPop(t *testing.T) {
	q := NewQueue[int](10)
	const numItems = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			q.Push(i)
		}
	}()

	received := make([]int, 0, numItems)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			if val, ok := q.Pop(); ok {
				received = append(received, val)
			}
		}
	}()
	wg.Wait()

	if len(received) != numItems {
		t.Fatalf("popped %d items, want %d", len(received), numItems)
	}
	for i, val := range received {
		if val != i {
			t.Fatalf("received[%d] = %d, want %d", i, val, i)
		}
	}
}

func TestQueueWrapAroundGrow(t *testing.T) {
	q := NewQueue[int](5)

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Pop()
	q.Pop()

	// These wrap around the ring and then force a grow mid-wrap.
	q.Push(4)
	q.Push(5)
	q.Push(6)
	q.Push(7)
	q.Push(8)

	expected := []int{3, 4, 5, 6, 7, 8}
	for _, want := range expected {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestNewQueueMinCapacity(t *testing.T) {
	if q := NewQueue[int](0); q.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1 for initial capacity 0", q.Cap())
	}
	if q := NewQueue[int](-5); q.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1 for negative initial capacity", q.Cap())
	}
}
