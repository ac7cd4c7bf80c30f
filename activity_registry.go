package saga

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// ActivityRegistry maps stable activity names to implementations.
//
// Definitions and recorded histories only refer to activities by name, so
// every activity a saga uses is registered here and resolved once when an
// Orchestrator is built.
type ActivityRegistry struct {
	activities *xsync.MapOf[ActivityName, Activity]
}

// NewActivityRegistry creates an empty registry.
func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{
		activities: xsync.NewMapOf[ActivityName, Activity](),
	}
}

// Register adds activities to the registry.
func (r *ActivityRegistry) Register(activities ...Activity) error {
	for _, activity := range activities {
		if _, loaded := r.activities.LoadOrStore(activity.Name(), activity); loaded {
			return fmt.Errorf("%w: %s", ErrDuplicateActivity, activity.Name())
		}
	}
	return nil
}

// Get retrieves an activity by name.
func (r *ActivityRegistry) Get(name ActivityName) (Activity, error) {
	activity, ok := r.activities.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivityNotFound, name)
	}
	return activity, nil
}

// Names returns the registered names in sorted order.
func (r *ActivityRegistry) Names() []ActivityName {
	names := make([]ActivityName, 0, r.activities.Size())
	r.activities.Range(func(name ActivityName, _ Activity) bool {
		names = append(names, name)
		return true
	})
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
