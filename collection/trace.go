package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// a canceled context raised as a panic. Not logged
func isDoneError(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, context.Canceled) || v.Error() == "Done"
	case string:
		return v == "Done"
	default:
		return false
	}
}

// runs `do`, recovering a panic. Handlers are `func()` or `func(error)`
// and receive the recovered value as an error
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if !isDoneError(r) {
				glog.Warningf("Unexpected error: %s\n", errorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func errorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// logs the start and duration of `do` under `tag`
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	glog.Infof("[%-8s]%s\n", "start", tag)
	result, err := do()
	millis := float32(time.Since(start)) / float32(time.Millisecond)
	if err != nil {
		glog.Infof("[%-8s]%s (%.2fms) err = %s\n", "end", tag, millis, err)
	} else {
		glog.Infof("[%-8s]%s (%.2fms)\n", "end", tag, millis)
	}
	return result, err
}
