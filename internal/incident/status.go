package incident

// SourceStatus is the lifecycle state of a Source in the pipeline.
type SourceStatus string

// Source status values. A Source only ever moves forward through this
// machine; the store rejects any transition that would regress it.
const (
	StatusReadyForClassification SourceStatus = "ready_for_classification"
	StatusDiscarded              SourceStatus = "discarded"
	StatusReadyForDownload       SourceStatus = "ready_for_download"
	StatusFailedInDownload       SourceStatus = "failed_in_download"
	StatusReadyForExtraction     SourceStatus = "ready_for_extraction"
	StatusFailedInExtraction     SourceStatus = "failed_in_extraction"
	StatusExtracted              SourceStatus = "extracted"
)

// statusRank orders statuses along the pipeline so that forward progress can
// be checked. Terminal branches share the rank of the stage that ends there.
var statusRank = map[SourceStatus]int{
	StatusReadyForClassification: 0,
	StatusDiscarded:              1,
	StatusReadyForDownload:       1,
	StatusFailedInDownload:       2,
	StatusReadyForExtraction:     2,
	StatusFailedInExtraction:     3,
	StatusExtracted:              3,
}

// validTransitions enumerates the legal edges of the state machine.
var validTransitions = map[SourceStatus][]SourceStatus{
	StatusReadyForClassification: {StatusDiscarded, StatusReadyForDownload},
	StatusReadyForDownload:       {StatusReadyForExtraction, StatusFailedInDownload},
	StatusReadyForExtraction:     {StatusExtracted, StatusFailedInExtraction},
}

// Terminal reports whether no stage will pick the Source up again.
func (s SourceStatus) Terminal() bool {
	switch s {
	case StatusDiscarded, StatusFailedInDownload, StatusFailedInExtraction, StatusExtracted:
		return true
	}
	return false
}

// CanAdvanceTo reports whether moving from s to next is a legal forward
// transition.
func (s SourceStatus) CanAdvanceTo(next SourceStatus) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Rank returns the pipeline position of the status, used to assert that a
// status write never moves a Source backward.
func (s SourceStatus) Rank() int {
	return statusRank[s]
}
