package queue

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func task(id string, priority int) *models.CrawlTask {
	return &models.CrawlTask{TaskID: id, URL: "https://example.com/" + id, Priority: priority}
}

func TestTaskQueue_HighestPriorityFirst(t *testing.T) {
	q := NewTaskQueue(testLogger())
	q.Add(task("low", 1))
	q.Add(task("high", 10))
	q.Add(task("mid", 5))
	q.Add(task("negative", -3))

	want := []string{"high", "mid", "low", "negative"}
	for _, id := range want {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop returned false, want %s", id)
		}
		if got.TaskID != id {
			t.Errorf("Pop = %s, want %s", got.TaskID, id)
		}
	}
}

func TestTaskQueue_SamePriorityIsFIFO(t *testing.T) {
	q := NewTaskQueue(testLogger())
	for i := range 20 {
		q.Add(task(fmt.Sprintf("t%02d", i), 0))
	}
	for i := range 20 {
		got, _ := q.Pop()
		if want := fmt.Sprintf("t%02d", i); got.TaskID != want {
			t.Fatalf("Pop #%d = %s, want %s", i, got.TaskID, want)
		}
	}
}

func TestTaskQueue_Drain(t *testing.T) {
	q := NewTaskQueue(testLogger())
	q.Add(task("a", 1))
	q.Add(task("b", 2))
	q.Add(task("c", 3))

	drained := q.Drain()
	if len(drained) != 3 {
		t.Fatalf("Drain returned %d tasks, want 3", len(drained))
	}
	if drained[0].TaskID != "c" {
		t.Errorf("first drained = %s, want c", drained[0].TaskID)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", q.Len())
	}

	// Drain does not close the queue
	if !q.Add(task("d", 0)) {
		t.Error("Add after Drain should succeed")
	}
	if len(q.Drain()) != 1 {
		t.Error("expected one task on second Drain")
	}
	if len(q.Drain()) != 0 {
		t.Error("expected empty Drain on empty queue")
	}
}

func TestTaskQueue_CloseWithItems(t *testing.T) {
	q := NewTaskQueue(testLogger())
	q.Add(task("a", 0))
	q.Add(task("b", 0))
	q.Close()

	for range 2 {
		if _, ok := q.Pop(); !ok {
			t.Fatal("queued tasks should still pop after Close")
		}
	}
	if got, ok := q.Pop(); ok || got != nil {
		t.Errorf("Pop on closed empty queue = %v, %v", got, ok)
	}
}

func TestTaskQueue_AddAfterClose(t *testing.T) {
	q := NewTaskQueue(testLogger())
	q.Close()
	q.Close() // Double close is safe

	if q.Add(task("late", 0)) {
		t.Error("Add after Close should return false")
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestTaskQueue_PopBlocksUntilAdd(t *testing.T) {
	q := NewTaskQueue(testLogger())
	result := make(chan *models.CrawlTask, 1)
	go func() {
		got, _ := q.Pop()
		result <- got
	}()

	select {
	case <-result:
		t.Fatal("Pop returned before anything was added")
	case <-time.After(50 * time.Millisecond):
	}

	q.Add(task("wake", 0))
	select {
	case got := <-result:
		if got.TaskID != "wake" {
			t.Errorf("got %s, want wake", got.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Add")
	}
}

func TestTaskQueue_CloseUnblocksWaiters(t *testing.T) {
	q := NewTaskQueue(testLogger())
	const waiters = 5

	var wg sync.WaitGroup
	var released atomic.Int32
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Pop(); !ok {
				released.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released by Close")
	}
	if released.Load() != waiters {
		t.Errorf("released = %d, want %d", released.Load(), waiters)
	}
}

func TestTaskQueue_ConcurrentAddPop(t *testing.T) {
	q := NewTaskQueue(testLogger())
	const producers, perProducer, consumers = 4, 100, 4

	var popped atomic.Int32
	var consumersWG sync.WaitGroup
	for range consumers {
		consumersWG.Add(1)
		go func() {
			defer consumersWG.Done()
			for {
				if _, ok := q.Pop(); !ok {
					return
				}
				popped.Add(1)
			}
		}()
	}

	var producersWG sync.WaitGroup
	for p := range producers {
		producersWG.Add(1)
		go func() {
			defer producersWG.Done()
			for i := range perProducer {
				q.Add(task(fmt.Sprintf("p%d-%d", p, i), i%7))
			}
		}()
	}
	producersWG.Wait()
	q.Close()

	done := make(chan struct{})
	go func() {
		consumersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not finish")
	}
	if got := popped.Load(); got != producers*perProducer {
		t.Errorf("popped %d tasks, want %d", got, producers*perProducer)
	}
}
