package cache

import "fmt"

// FatalError reports that a mandatory structured-data fetch failed or came
// back empty. It invalidates the whole evaluation (ground truth for scoring
// cannot be established), so it is surfaced to the orchestration layer
// rather than retried here.
type FatalError struct {
	URL string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mandatory structured data unavailable for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("mandatory structured data unavailable for %s", e.URL)
}

func (e *FatalError) Unwrap() error { return e.Err }
