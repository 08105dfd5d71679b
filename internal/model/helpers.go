package model

import "time"

// StrPtr returns a pointer to s
func StrPtr(s string) *string {
	return &s
}

// StrVal safely dereferences p, returning "" for nil
func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}

// StepPtr returns a pointer to s
func StepPtr(s ExecutionStep) *ExecutionStep {
	return &s
}
