package model

// Decision is the tri-state outcome of a validation.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionDeny   Decision = "DENY"
	DecisionReview Decision = "REVIEW"
)

// ValidationResult accumulates the outcome of validating a message. It is
// the only failure channel across the bus' public API; components never
// panic or return raw errors to callers.
type ValidationResult struct {
	IsValid            bool                   `json:"is_valid"`
	Errors             []string               `json:"errors"`
	Warnings           []string               `json:"warnings"`
	Metadata           map[string]interface{} `json:"metadata"`
	Decision           Decision               `json:"decision"`
	ConstitutionalHash string                 `json:"constitutional_hash"`
}

// NewValidationResult returns a passing result carrying the canonical hash.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		IsValid:            true,
		Errors:             []string{},
		Warnings:           []string{},
		Metadata:           make(map[string]interface{}),
		Decision:           DecisionAllow,
		ConstitutionalHash: ConstitutionalHash,
	}
}

// Invalid builds a failed result from one or more error strings.
func Invalid(errs ...string) *ValidationResult {
	r := NewValidationResult()
	for _, e := range errs {
		r.AddError(e)
	}
	if len(errs) == 0 {
		r.IsValid = false
		r.Decision = DecisionDeny
	}
	return r
}

// AddError appends an error and flips the result to invalid.
func (r *ValidationResult) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.IsValid = false
	r.Decision = DecisionDeny
}

// AddWarning appends a warning without affecting validity.
func (r *ValidationResult) AddWarning(w string) {
	r.Warnings = append(r.Warnings, w)
}

// Merge folds another result into this one. Errors and warnings accumulate
// in order; metadata from the other result wins on key collision; validity
// is the conjunction of both.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	for k, v := range other.Metadata {
		r.Metadata[k] = v
	}
	if !other.IsValid {
		r.IsValid = false
		r.Decision = DecisionDeny
	}
}
