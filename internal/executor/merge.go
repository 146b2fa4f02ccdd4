package executor

// mergeInto applies §4.7's partial-merge rules for a single incoming key/value
// pair onto rec: string/number/bool replace, list concatenates, map shallow-
// merges with the incoming side winning per-key, and nil deletes the key.
func mergeInto(rec map[string]interface{}, key string, val interface{}) {
	if val == nil {
		delete(rec, key)
		return
	}
	switch v := val.(type) {
	case []interface{}:
		if existing, ok := rec[key].([]interface{}); ok {
			merged := make([]interface{}, 0, len(existing)+len(v))
			merged = append(merged, existing...)
			merged = append(merged, v...)
			rec[key] = merged
		} else {
			merged := make([]interface{}, len(v))
			copy(merged, v)
			rec[key] = merged
		}
	case map[string]interface{}:
		if existing, ok := rec[key].(map[string]interface{}); ok {
			merged := make(map[string]interface{}, len(existing)+len(v))
			for k, ev := range existing {
				merged[k] = ev
			}
			for k, nv := range v {
				merged[k] = nv
			}
			rec[key] = merged
		} else {
			rec[key] = v
		}
	default:
		rec[key] = v
	}
}

// mergeRecord merges every key of incoming into rec using mergeInto,
// skipping the control-only "partial" key so it never leaks into emitted
// output.
func mergeRecord(rec map[string]interface{}, incoming map[string]interface{}) {
	for k, v := range incoming {
		if k == "partial" {
			continue
		}
		mergeInto(rec, k, v)
	}
}

// appendFile records one file-transfer declaration into rec's "files" list,
// which is always additive regardless of the surrounding report's partial
// flag (§4.7: "declared files for the current record are also recorded
// into that record's files list").
func appendFile(rec map[string]interface{}, name string, length int) {
	entry := map[string]interface{}{"name": name, "length": length}
	existing, _ := rec["files"].([]interface{})
	rec["files"] = append(existing, entry)
}
