package domain

// Processing steps of a receipt. The order of the constants is the forward
// order of the pipeline; Failed sits outside of it.
const (
	StepUploaded            = "uploaded"
	StepPreprocessing       = "preprocessing"
	StepOCRInProgress       = "ocr_in_progress"
	StepOCRCompleted        = "ocr_completed"
	StepParsingInProgress   = "parsing_in_progress"
	StepParsingCompleted    = "parsing_completed"
	StepMatchingInProgress  = "matching_in_progress"
	StepMatchingCompleted   = "matching_completed"
	StepReviewPending       = "review_pending"
	StepFinalizingInventory = "finalizing_inventory"
	StepDone                = "done"
	StepFailed              = "failed"
)

// Coarse receipt statuses.
const (
	StatusPending             = "pending"
	StatusProcessing          = "processing"
	StatusReview              = "review"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
)

var stepRank = map[string]int{
	StepUploaded:            0,
	StepPreprocessing:       1,
	StepOCRInProgress:       2,
	StepOCRCompleted:        3,
	StepParsingInProgress:   4,
	StepParsingCompleted:    5,
	StepMatchingInProgress:  6,
	StepMatchingCompleted:   7,
	StepReviewPending:       8,
	StepFinalizingInventory: 9,
	StepDone:                10,
}

var stepProgress = map[string]int{
	StepUploaded:            0,
	StepPreprocessing:       10,
	StepOCRInProgress:       20,
	StepOCRCompleted:        35,
	StepParsingInProgress:   45,
	StepParsingCompleted:    55,
	StepMatchingInProgress:  65,
	StepMatchingCompleted:   75,
	StepReviewPending:       80,
	StepFinalizingInventory: 90,
	StepDone:                100,
	StepFailed:              100,
}

// IsKnownStep reports whether s is a processing step.
func IsKnownStep(s string) bool {
	if s == StepFailed {
		return true
	}
	_, ok := stepRank[s]
	return ok
}

// IsTerminalStep reports whether no further automatic transition leaves s.
func IsTerminalStep(s string) bool { return s == StepDone || s == StepFailed }

// IsKnownStatus reports whether s is a receipt status.
func IsKnownStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReview, StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// IsTerminalStatus reports whether a receipt with this status may be deleted.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// CanAdvance reports whether the orchestrator may move a receipt from one
// step to another. Steps only move forward; any non-terminal step may fail.
func CanAdvance(from, to string) bool {
	if IsTerminalStep(from) {
		return false
	}
	if to == StepFailed {
		return IsKnownStep(from)
	}
	fr, ok1 := stepRank[from]
	tr, ok2 := stepRank[to]
	if !ok1 || !ok2 {
		return false
	}
	// review is only entered from matching_completed
	if to == StepReviewPending && from != StepMatchingCompleted {
		return false
	}
	return tr > fr
}

// CanReset reports whether a manual retry may move a receipt back to an
// earlier step. Done receipts are never reopened.
func CanReset(from, to string) bool {
	if from == StepDone || IsTerminalStep(to) || to == StepReviewPending {
		return false
	}
	tr, ok := stepRank[to]
	if !ok {
		return false
	}
	if from == StepFailed {
		return true
	}
	fr, ok := stepRank[from]
	return ok && tr < fr
}

// ProgressPercent maps a step to the percentage reported to notifiers.
func ProgressPercent(step string) int { return stepProgress[step] }

// StatusForStep derives the coarse status of a step.
func StatusForStep(step string) string {
	switch step {
	case StepUploaded:
		return StatusPending
	case StepReviewPending:
		return StatusReview
	case StepDone:
		return StatusCompleted
	case StepFailed:
		return StatusFailed
	default:
		return StatusProcessing
	}
}
