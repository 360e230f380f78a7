package ratelimit

// RecordVersion is the current CounterRecord schema version, stored with
// every document for forward compatibility.
const RecordVersion = 1

// KeyPrefix namespaces all counter records in the document store.
const KeyPrefix = "rateLimits/"

// CounterRecord is the stored sliding-window log for one (actor, action) or
// (resource, action) key. Timestamps are Unix milliseconds, oldest first.
// WindowStart is the last accepted-request time; it exists for retention
// sweeping only and plays no part in the window math.
type CounterRecord struct {
	Version     int     `json:"version"`
	ActorID     string  `json:"actorId,omitempty"`
	ResourceID  string  `json:"resourceId,omitempty"`
	Action      string  `json:"actionType"`
	Timestamps  []int64 `json:"requests"`
	WindowStart int64   `json:"windowStart"`
	CreatedAt   int64   `json:"createdAt"`
	LastUpdated int64   `json:"lastUpdated"`
}

// ActorKey builds the per-actor counter key, optionally scoped to a resource.
func ActorKey(actorID, action, resourceID string) string {
	key := KeyPrefix + actorID + "_" + action
	if resourceID != "" {
		key += "_" + resourceID
	}

	return key
}

// ResourceKey builds the aggregate per-resource counter key.
func ResourceKey(resourceID, action string) string {
	return KeyPrefix + "resource_" + resourceID + "_" + action
}
