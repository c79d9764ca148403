package models

// StatusUpdate is one push from the status-update stream.
// The stream only ever reports Pending, Valid or Invalid.
type StatusUpdate struct {
	ID            string            `json:"id"`
	Status        Status            `json:"status"`
	Fields        *ValidationFields `json:"validationFields,omitempty"`
	ErrorMessages []string          `json:"errorMessages,omitempty"`
}

// MetadataUpdate is the body of a metadata-update call. Nil fields are left
// untouched by the server. The same call with only Status set to Cancelled
// confirms a client-side cancellation.
type MetadataUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// StatusPtr returns a pointer to s.
func StatusPtr(s Status) *Status {
	return &s
}
