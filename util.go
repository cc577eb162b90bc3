package snapdb

import (
	"encoding/hex"
	"fmt"
	"strings"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// recoverErr turns a panic into an error. Used around caller-supplied
// callbacks that run inside an engine transaction.
func recoverErr(errp *error) {
	if p := recover(); p != nil {
		if e, ok := p.(error); ok {
			*errp = e
		} else {
			*errp = fmt.Errorf("panic: %v", p)
		}
	}
}

func splitByte(s string, sep byte) (string, string, bool) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return s, "", false
	} else {
		return s[:i], s[i+1:], true
	}
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}
