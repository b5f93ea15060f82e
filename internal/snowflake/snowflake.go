// Package snowflake generates time-ordered 64 bit ids. The server uses them to
// tag push-stream connections in logs and in the hub's subscriber table.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

type Snowflake struct {
	Timestamp int64
	WorkerID  int64
	Increment int64
}

const (
	timestampLength int64 = 42                                    // 42
	timestampPos          = 64 - timestampLength                  // 22
	workerLength    int64 = 10                                    // 10
	workerPos             = timestampPos - workerLength           // 12
	incrementLength       = 64 - (timestampLength + workerLength) // 12

	maxWorkerValue    int64 = 1<<workerLength - 1
	maxIncrementValue int64 = 1<<incrementLength - 1
)

// Node hands out ids for one worker.
type Node struct {
	mutex         sync.Mutex
	workerID      int64
	lastTimestamp int64
	lastIncrement int64
	now           func() time.Time
}

func NewNode(workerID int64) (*Node, error) {
	if workerID < 0 || workerID > maxWorkerValue {
		return nil, fmt.Errorf("worker ID must be between 0 and %d, got %d", maxWorkerValue, workerID)
	}
	return &Node{workerID: workerID, now: time.Now}, nil
}

// Generate returns the next id, or an error once more than 4096 ids were
// requested within the same millisecond.
func (n *Node) Generate() (int64, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	timestamp := n.now().UnixMilli()
	if timestamp == n.lastTimestamp {
		n.lastIncrement++
		if n.lastIncrement > maxIncrementValue {
			return 0, fmt.Errorf("increment overflow after increment reached %d", n.lastIncrement)
		}
	} else {
		n.lastIncrement = 0
		n.lastTimestamp = timestamp
	}

	return timestamp<<timestampPos | n.workerID<<workerPos | n.lastIncrement, nil
}

func Extract(id int64) Snowflake {
	return Snowflake{
		Timestamp: id >> timestampPos,
		WorkerID:  (id >> workerPos) & maxWorkerValue,
		Increment: id & maxIncrementValue,
	}
}
