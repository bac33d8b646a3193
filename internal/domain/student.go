package domain

// StudentRef is a read-only projection of a student record from the backend.
type StudentRef struct {
	StudentID      string `json:"id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email"`
	RegistrationID string `json:"registration_id,omitempty"`
	CourseID       string `json:"course_id,omitempty"`
	ClassSection   string `json:"class_section,omitempty"`
	Semester       int    `json:"semester,omitempty"`
}

// Redacted returns a copy without the registration identifier.
func (s StudentRef) Redacted() StudentRef {
	s.RegistrationID = ""
	return s
}
