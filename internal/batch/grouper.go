package batch

import (
	"fmt"
	"sync"

	"servicedesk-notification/internal/models"
)

// GrouperFunc computes a group key for an event. Custom groupers must be
// pure: same event in, same key out.
type GrouperFunc func(models.NotificationEvent) string

var (
	grouperMu sync.RWMutex
	groupers  = make(map[string]GrouperFunc)
)

// RegisterGrouper registers a custom grouper under an id. Registration
// happens at startup; re-registering an id panics to catch wiring
// mistakes early.
func RegisterGrouper(id string, fn GrouperFunc) {
	grouperMu.Lock()
	defer grouperMu.Unlock()
	if _, dup := groupers[id]; dup {
		panic(fmt.Sprintf("batch: grouper %q registered twice", id))
	}
	groupers[id] = fn
}

func lookupGrouper(id string) (GrouperFunc, bool) {
	grouperMu.RLock()
	defer grouperMu.RUnlock()
	fn, ok := groupers[id]
	return fn, ok
}
