package domain

import "time"

// Intent is a classifier label.
type Intent string

// Open intents.
const (
	IntentGreet   Intent = "greet"
	IntentHelp    Intent = "help"
	IntentGoodbye Intent = "goodbye"
	IntentLogout  Intent = "logout"
	// Auth-flow intents emitted when the user volunteers credentials.
	IntentInformEmail  Intent = "inform_email"
	IntentInformAnswer Intent = "inform_answer"
)

// Protected intents.
const (
	IntentGrades          Intent = "ask_grades"
	IntentSchedule        Intent = "ask_schedule"
	IntentAssessmentDate  Intent = "ask_assessment_date"
	IntentAssessmentTopic Intent = "ask_assessment_content"
	IntentAssessmentList  Intent = "list_assessments"
	IntentActivityInfo    Intent = "ask_activity_info"
	IntentOfficeHours     Intent = "ask_office_hours"
	IntentMaterial        Intent = "ask_material"
	IntentSyllabus        Intent = "ask_syllabus"
	IntentProfessorInfo   Intent = "ask_professor_info"
	IntentNotices         Intent = "ask_notices"
	IntentFAQ             Intent = "ask_faq"
	IntentClassSize       Intent = "ask_class_size"
)

// IntentUnknown is the classifier's fallback label.
const IntentUnknown Intent = "nlu_fallback"

// Common entity keys.
const (
	EntityEmail   = "email"
	EntitySubject = "subject"
)

// InboundEvent is a user message delivered by a transport.
type InboundEvent struct {
	ConversationID string
	MessageID      string
	Text           string
	ReceivedAt     time.Time
}
