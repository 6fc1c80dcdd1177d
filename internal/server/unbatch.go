package server

import (
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// Unbatch expands a bulk frame into its individual operations,
// preserving order. Operations without their own timestamp are stamped
// with the bulk frame's receipt time.
func Unbatch(bulk *codec.BulkFrame, receivedAt time.Time) []codec.Operation {
	ops := make([]codec.Operation, len(bulk.Operations))
	copy(ops, bulk.Operations)

	receiptMs := receivedAt.UnixMilli()
	for i := range ops {
		if ops[i].Timestamp == 0 {
			ops[i].Timestamp = receiptMs
		}
	}
	return ops
}
