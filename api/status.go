package api

import (
	"sync"
)

var (
	statusSources sync.Map
)

// RegisterStatusSource makes the given status function part of the status endpoint's
// response, keyed by source.
func RegisterStatusSource(source string, queryStatusFunc func() map[string]any) {

	statusSources.Store(source, queryStatusFunc)

}

func assembleStatus() map[string]any {

	result := make(map[string]any)

	statusSources.Range(func(key, value any) bool {
		result[key.(string)] = value.(func() map[string]any)()
		return true
	})

	return result

}

func resetStatusSources() {

	statusSources.Range(func(key, _ any) bool {
		statusSources.Delete(key)
		return true
	})

}
