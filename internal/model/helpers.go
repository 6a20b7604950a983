package model

import "time"

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}

// BoolVal safely dereferences p, nil is false
func BoolVal(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}
