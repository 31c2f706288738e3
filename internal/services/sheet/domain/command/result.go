package command

import "strings"

// Rejection captures a domain-level reason a command was declined.
type Rejection struct {
	Code    string
	Message string
}

// Result is the outcome of the allow pass of a dispatch.
type Result struct {
	Rejections []Rejection
}

// Success returns an accepting result.
func Success() Result {
	return Result{}
}

// Reject returns a result that carries the provided rejections.
func Reject(rejections ...Rejection) Result {
	return Result{Rejections: append([]Rejection(nil), rejections...)}
}

// Rejectf builds a single-rejection result.
func Rejectf(code, message string) Result {
	return Reject(Rejection{Code: code, Message: message})
}

// IsSuccess reports whether the command was accepted.
func (r Result) IsSuccess() bool {
	return len(r.Rejections) == 0
}

// IsRejectedBecause reports whether any rejection carries code.
func (r Result) IsRejectedBecause(code string) bool {
	for _, rejection := range r.Rejections {
		if rejection.Code == code {
			return true
		}
	}
	return false
}

// Merge folds other's rejections into r.
func (r Result) Merge(other Result) Result {
	if other.IsSuccess() {
		return r
	}
	return Result{Rejections: append(append([]Rejection(nil), r.Rejections...), other.Rejections...)}
}

func (r Result) String() string {
	if r.IsSuccess() {
		return "success"
	}
	codes := make([]string, 0, len(r.Rejections))
	for _, rejection := range r.Rejections {
		codes = append(codes, rejection.Code)
	}
	return "rejected: " + strings.Join(codes, ", ")
}
