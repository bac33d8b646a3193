// Package id generates time-ordered unique ids.
package id

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
	err  error
)

// Init initializes the snowflake node. Only the first call has an effect.
func Init(nodeID int64) error {
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New returns a new id. Without a prior Init the node id is 0.
func New() int64 {
	_ = Init(0)
	return node.Generate().Int64()
}

// NewString returns New formatted in base 10.
func NewString() string {
	return strconv.FormatInt(New(), 10)
}
