package syncx

// Merge combines divergent local and server snapshots deterministically.
// The result starts from server: keys present only in local are added, keys
// present in both as nested objects are merged recursively, and scalar
// conflicts resolve to the server value.
//
// priorities maps a field name to "local" or "server" and is consulted before
// the default scalar rule; a prioritized field is taken wholesale from that
// side. Nested objects without an explicit priority are recursed into with
// the same priority map.
func Merge(local, server map[string]any, priorities map[string]string) map[string]any {
	out := CloneMap(server)
	if out == nil {
		out = make(map[string]any)
	}

	for k, lv := range local {
		sv, inServer := out[k]
		if !inServer {
			out[k] = cloneValue(lv)
			continue
		}

		if side, ok := priorities[k]; ok {
			if side == "local" {
				out[k] = cloneValue(lv)
			}
			// "server": keep what is already there
			continue
		}

		lm, lIsMap := lv.(map[string]any)
		sm, sIsMap := sv.(map[string]any)
		if lIsMap && sIsMap {
			out[k] = Merge(lm, sm, priorities)
			continue
		}

		// Scalar (or shape) conflict without a priority: server wins
	}

	return out
}
