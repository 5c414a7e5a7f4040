package translate

// TranslationError reports a malformed inbound request. The HTTP layer maps
// it to 400.
type TranslationError struct {
	Field  string
	Reason string
}

func (e *TranslationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}
