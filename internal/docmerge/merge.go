package docmerge

// Merge combines two documents key by key. Every key of primary keeps the primary
// value; keys only present in secondary are appended; keys present in both whose
// values are both objects are merged recursively with the same rule. Arrays and
// scalars are never merged element-wise. The inputs are not modified.
func Merge(primary, secondary *Node) *Node {
	if primary == nil {
		return secondary.Clone()
	}
	if secondary == nil || primary.Kind != KindObject || secondary.Kind != KindObject {
		return primary.Clone()
	}

	out := NewObject()
	for _, k := range primary.Keys {
		pv := primary.Fields[k]
		sv, ok := secondary.Fields[k]
		if ok && pv != nil && sv != nil && pv.Kind == KindObject && sv.Kind == KindObject {
			out.Set(k, Merge(pv, sv))
			continue
		}
		out.Set(k, pv.Clone())
	}
	for _, k := range secondary.Keys {
		if _, ok := primary.Fields[k]; ok {
			continue
		}
		out.Set(k, secondary.Fields[k].Clone())
	}
	return out
}
