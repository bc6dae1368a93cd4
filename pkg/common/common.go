package common

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

const NA = "N/A"

var (
	sfNode     *snowflake.Node
	sfNodeOnce sync.Once
)

func idNode() *snowflake.Node {
	sfNodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			zap.S().Fatal(err)
		}
		sfNode = node
	})
	return sfNode
}

// UUIDint64 returns a time ordered unique id
func UUIDint64() int64 {
	return idNode().Generate().Int64()
}

func IsEmptyOrNA(val string) bool {
	val = strings.TrimSpace(val)
	return val == "" || val == NA
}

// IfEmptyStr returns defval when src is empty or N/A
func IfEmptyStr(src string, defval string) string {
	if IsEmptyOrNA(src) {
		return defval
	}
	return src
}
