package uid

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Snowflake generates sortable distributed-safe int64 IDs.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake creates a generator whose node number is derived from the
// machine identity, so two instances on different hosts do not collide.
func NewSnowflake() (*Snowflake, error) {
	var src string
	if b, err := os.ReadFile("/etc/machine-id"); err == nil {
		src = strings.TrimSpace(string(b))
	}
	if src == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		src = h
	}

	sum := sha256.Sum256([]byte(src))
	nodeNum := int64(binary.BigEndian.Uint16(sum[:2])) % 1024

	node, err := snowflake.NewNode(nodeNum)
	if err != nil {
		return nil, err
	}

	return &Snowflake{node: node}, nil
}

// Generate returns a new int64 ID.
func (s *Snowflake) Generate() int64 {
	return s.node.Generate().Int64()
}
