package models

// Collection status values driving the signoff workflow.
const (
	StatusWorkInProgress = "work-in-progress"
	StatusToReview       = "to-review"
	StatusToSign         = "to-sign"
	StatusToResign       = "to-resign"
	StatusToRollback     = "to-rollback"
	StatusSigned         = "signed"
)

// Statuses is the set of values accepted in collection metadata.
var Statuses = []string{
	StatusWorkInProgress,
	StatusToReview,
	StatusToSign,
	StatusToResign,
	StatusToRollback,
	StatusSigned,
}

const (
	FieldStatus                = "status"
	FieldLastEditBy            = "last_edit_by"
	FieldLastEditDate          = "last_edit_date"
	FieldLastReviewRequestBy   = "last_review_request_by"
	FieldLastReviewRequestDate = "last_review_request_date"
	FieldLastReviewBy          = "last_review_by"
	FieldLastReviewDate        = "last_review_date"
	FieldLastSignatureBy       = "last_signature_by"
	FieldLastSignatureDate     = "last_signature_date"
	FieldLastEditorComment     = "last_editor_comment"
	FieldLastReviewerComment   = "last_reviewer_comment"
)

// TrackingFields are maintained by the engine only.
var TrackingFields = []string{
	FieldLastEditBy,
	FieldLastEditDate,
	FieldLastReviewRequestBy,
	FieldLastReviewRequestDate,
	FieldLastReviewBy,
	FieldLastReviewDate,
	FieldLastSignatureBy,
	FieldLastSignatureDate,
}

// PassthroughFields are copied from source metadata onto destination and
// preview metadata when signing.
var PassthroughFields = []string{"schema", "sort", "displayFields", "attachment"}

// IsValidStatus reports whether s is one of Statuses.
func IsValidStatus(s string) bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}
