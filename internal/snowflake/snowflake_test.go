package snowflake

import (
	"testing"
	"time"
)

func TestNewNode(t *testing.T) {
	if _, err := NewNode(0); err != nil {
		t.Error(err)
	}
	if _, err := NewNode(maxWorkerValue + 1); err == nil {
		t.Error("Expected error for worker ID above maximum, but there wasn't")
	}
	if _, err := NewNode(-1); err == nil {
		t.Error("Expected error for negative worker ID, but there wasn't")
	}
}

func TestGenerateSnowflake(t *testing.T) {
	node, err := NewNode(7)
	if err != nil {
		t.Fatal(err)
	}

	first, err := node.Generate()
	if err != nil {
		t.Fatal(err)
	}
	second, err := node.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if second <= first {
		t.Errorf("ids are not increasing: %d then %d", first, second)
	}

	if worker := Extract(first).WorkerID; worker != 7 {
		t.Errorf("Extract(%d).WorkerID = %d, want 7", first, worker)
	}
}

func TestSnowflakeIncrementOverflow(t *testing.T) {
	node, err := NewNode(0)
	if err != nil {
		t.Fatal(err)
	}
	frozen := time.UnixMilli(1_700_000_000_000)
	node.now = func() time.Time { return frozen }

	for i := int64(0); i <= maxIncrementValue; i++ {
		id, err := node.Generate()
		if err != nil {
			t.Fatalf("unexpected overflow at increment %d: %v", i, err)
		}
		if got := Extract(id); got.Increment != i || got.Timestamp != frozen.UnixMilli() {
			t.Fatalf("Extract(%d) = %+v", id, got)
		}
	}

	if _, err := node.Generate(); err == nil {
		t.Error("Expected increment overflow, but there wasn't")
	}
}
