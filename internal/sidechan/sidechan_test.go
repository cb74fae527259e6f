package sidechan_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/MCERQUA/openvoiceui/internal/sidechan"
)

func TestDrainReturnsAndClears(t *testing.T) {
	t.Parallel()

	q := sidechan.NewQueue(0)
	q.Push(sidechan.Command{Kind: "CANVAS", Body: "show page 3"})
	q.Push(sidechan.Command{Kind: "MUSIC", Body: "play lo-fi"})

	got := q.Drain()
	if len(got) != 2 || got[0].Kind != "CANVAS" || got[1].Kind != "MUSIC" {
		t.Errorf("Drain = %+v, want both commands in order", got)
	}
	if second := q.Drain(); len(second) != 0 {
		t.Errorf("second Drain = %+v, want empty", second)
	}
	if second := q.Drain(); second == nil {
		t.Error("Drain returned nil, want empty slice")
	}
}

func TestPushShedsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	q := sidechan.NewQueue(3)
	for i := range 5 {
		q.Push(sidechan.Command{Body: fmt.Sprintf("cmd-%d", i)})
	}
	got := q.Drain()
	if len(got) != 3 {
		t.Fatalf("queue held %d, want capacity 3", len(got))
	}
	if got[0].Body != "cmd-2" || got[2].Body != "cmd-4" {
		t.Errorf("Drain = %+v, want oldest shed", got)
	}
}

func TestConcurrentPushDrain(t *testing.T) {
	t.Parallel()

	q := sidechan.NewQueue(1000)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Push(sidechan.Command{Kind: "X"})
			}
		}()
	}
	wg.Wait()
	if got := len(q.Drain()); got != 400 {
		t.Errorf("drained %d commands, want 400", got)
	}
}
