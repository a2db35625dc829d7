package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/northbeam-io/pulsecheck/internal/store"
)

// upsertSubscriptionRequest mirrors the alert subscription's mutable
// fields.
type upsertSubscriptionRequest struct {
	RecipientEmail       string                       `json:"recipient_email"`
	RecipientPhone       string                       `json:"recipient_phone"`
	WebhookURL           string                       `json:"webhook_url"`
	WebhookSecret        string                       `json:"webhook_secret"`
	WebhookHeaders       map[string]string             `json:"webhook_headers"`
	EnabledEvents        []string                     `json:"enabled_events"`
	MinConsecutiveEvents int                          `json:"min_consecutive_events"`
	Overrides            map[string]store.TargetOverride `json:"per_target_overrides"`
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.store.Subscriptions().GetByUser(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":                sub.UserID,
		"recipient_email":        sub.RecipientEmail,
		"recipient_phone":        sub.RecipientPhone,
		"webhook_url":            sub.WebhookURL,
		"enabled_events":         sub.Events(),
		"min_consecutive_events": sub.MinConsecutiveEvents,
		"per_target_overrides":   sub.Overrides(),
		"updated_at":             sub.UpdatedAt,
	})
}

func (s *Server) upsertSubscription(c *gin.Context) {
	userID := c.Param("user_id")

	var req upsertSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := json.Marshal(req.EnabledEvents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid enabled_events"})
		return
	}
	overrides, err := json.Marshal(req.Overrides)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid per_target_overrides"})
		return
	}
	headers, err := json.Marshal(req.WebhookHeaders)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook_headers"})
		return
	}

	sub := &store.AlertSubscription{
		UserID:               userID,
		EnabledEvents:        string(events),
		MinConsecutiveEvents: req.MinConsecutiveEvents,
		PerTargetOverrides:   string(overrides),
		WebhookHeaders:       string(headers),
	}
	if req.RecipientEmail != "" {
		sub.RecipientEmail = &req.RecipientEmail
	}
	if req.RecipientPhone != "" {
		sub.RecipientPhone = &req.RecipientPhone
	}
	if req.WebhookURL != "" {
		sub.WebhookURL = &req.WebhookURL
	}
	if req.WebhookSecret != "" {
		sub.WebhookSecret = &req.WebhookSecret
	}

	if err := s.store.Subscriptions().Upsert(sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "subscription saved"})
}
