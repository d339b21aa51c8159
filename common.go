package mls

import (
	"crypto/subtle"
	"fmt"
	"runtime"
)

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}

	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}

// zeroize overwrites data in place.  The copy goes through crypto/subtle so
// that the store is not treated as dead.
func zeroize(data []byte) {
	if len(data) == 0 {
		return
	}

	zero := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zero)
	runtime.KeepAlive(data)
}
