package util

// ToInt64 safely converts an interface{} to int64.
// Handles the int64 / float64 / uint64 variants returned by Redis Lua.
func ToInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case uint64:
		return int64(x)
	default:
		return 0
	}
}
