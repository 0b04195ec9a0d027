package domain

import "time"

// User is the credit-holding account a job is debited against.
type User struct {
	UserID     string
	Credit     int
	CreatedAt  *time.Time
	DeviceType string
	IPAddress  string
	Location   string
}

type RegisterUserRequest struct {
	UserID     string `json:"userId"`
	DeviceType string `json:"deviceType,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	Location   string `json:"location,omitempty"`
}

type UpdateCreditsRequest struct {
	UserID string `json:"userId"`
	Amount int    `json:"amount"`
}

// DefaultBackgrounds is served when the backgrounds table is empty or unreachable.
var DefaultBackgrounds = []string{"soft grey", "white", "studio"}

// Feedback is free text a user sends from the app.
type Feedback struct {
	UserID    string
	Email     string
	Text      string
	CreatedAt time.Time
}

type SubmitFeedbackRequest struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	FeedbackText string `json:"feedbackText"`
}
