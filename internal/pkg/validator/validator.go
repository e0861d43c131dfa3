package validator

// Validator validates annotated structs.
type Validator interface {
	// Validate returns an error describing the first set of failed rules, or nil.
	Validate(data any) error
}
