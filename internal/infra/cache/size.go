package cache

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// SizeFunc estimates the stored size of a value in bytes.
type SizeFunc func(value any) int64

// Sizer is implemented by values that know their own size.
type Sizer interface {
	SizeBytes() int64
}

// EstimateSize is the default SizeFunc. It is a serialization-based
// heuristic, not an exact memory footprint.
func EstimateSize(value any) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case Sizer:
		return v.SizeBytes()
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	case proto.Message:
		return int64(proto.Size(v))
	}

	data, err := json.Marshal(value)
	if err != nil {
		return int64(len(fmt.Sprintf("%v", value)))
	}
	return int64(len(data))
}
