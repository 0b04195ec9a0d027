package api

import (
	"net/http"
	"strings"

	"github.com/dunamismax/florique/internal/domain"
	"github.com/go-chi/chi/v5"
)

type userView struct {
	UserID     string `json:"userId"`
	Credit     int    `json:"credit"`
	CreatedAt  string `json:"createdAt,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	Location   string `json:"location,omitempty"`
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "userId is required"})
		return
	}

	ipAddress := strings.TrimSpace(req.IPAddress)
	if ipAddress == "" {
		ipAddress = r.RemoteAddr
	}

	err := s.users.RegisterUser(r.Context(), domain.User{
		UserID:     userID,
		DeviceType: strings.TrimSpace(req.DeviceType),
		IPAddress:  ipAddress,
		Location:   strings.TrimSpace(req.Location),
	})
	if err != nil {
		s.logger.Errorw("register user failed", "user_id", userID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to register user"})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Message: "User registered successfully", Data: true})
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	credit, ok, err := s.users.GetCredits(r.Context(), userID)
	if err != nil {
		s.logger.Errorw("credit lookup failed", "user_id", userID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to load credits"})
		return
	}
	if !ok {
		writeEnvelope(w, http.StatusNotFound, envelope{Message: "User not found"})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: credit})
}

// handleUpdateCredits applies a signed adjustment; the balance never goes
// below zero.
func (s *Server) handleUpdateCredits(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateCreditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "userId is required"})
		return
	}

	ok, err := s.users.AddCredits(r.Context(), userID, req.Amount)
	if err != nil {
		s.logger.Errorw("credit update failed", "user_id", userID, "amount", req.Amount, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to update credits"})
		return
	}
	if !ok {
		_, exists, err := s.users.GetCredits(r.Context(), userID)
		switch {
		case err != nil:
			writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to update credits"})
		case !exists:
			writeEnvelope(w, http.StatusNotFound, envelope{Message: "User not found"})
		default:
			writeEnvelope(w, http.StatusConflict, envelope{Message: "Credit balance cannot go below zero"})
		}
		return
	}

	s.logger.Infow("credits updated", "user_id", userID, "amount", req.Amount)
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Message: "Credits updated successfully", Data: true})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	user, ok, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		s.logger.Errorw("user lookup failed", "user_id", userID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to load user"})
		return
	}
	if !ok {
		writeEnvelope(w, http.StatusNotFound, envelope{Message: "User not found"})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: userView{
		UserID:     user.UserID,
		Credit:     user.Credit,
		CreatedAt:  formatTime(user.CreatedAt),
		DeviceType: user.DeviceType,
		IPAddress:  user.IPAddress,
		Location:   user.Location,
	}})
}

func (s *Server) handleBackgrounds(w http.ResponseWriter, r *http.Request) {
	backgrounds, err := s.backgrounds.ListBackgrounds(r.Context())
	if err != nil {
		s.logger.Warnw("background lookup failed, serving defaults", "error", err)
	}
	if err != nil || len(backgrounds) == 0 {
		backgrounds = domain.DefaultBackgrounds
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: backgrounds})
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitFeedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}

	switch {
	case strings.TrimSpace(req.UserID) == "":
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "UserId is required"})
		return
	case strings.TrimSpace(req.Email) == "":
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "Email is required"})
		return
	case strings.TrimSpace(req.FeedbackText) == "":
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: "Feedback text is required"})
		return
	}

	err := s.feedback.SubmitFeedback(r.Context(), domain.Feedback{
		UserID: strings.TrimSpace(req.UserID),
		Email:  strings.TrimSpace(req.Email),
		Text:   req.FeedbackText,
	})
	if err != nil {
		s.logger.Errorw("submit feedback failed", "user_id", req.UserID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to submit feedback"})
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Message: "Feedback submitted successfully", Data: true})
}
