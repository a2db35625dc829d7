package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

// budgetUsage reports how much of a user's hourly and monthly alert budget
// for a channel has been consumed, alongside the tier's caps.
func (s *Server) budgetUsage(c *gin.Context) {
	userID := c.Param("user_id")
	channel := c.Param("channel")

	sub, err := s.store.Subscriptions().GetByUser(userID)
	tier := ""
	if err == nil {
		tier = subscriptionTier(sub)
	}
	hourlyCap, monthlyCap := config.TierAlertBudget(tier, channel)

	now := store.FloorHour(time.Now().UTC())
	monthStart := store.FloorMonth(time.Now().UTC())

	hourlyUsed, err := s.store.Budgets().Count(store.WindowHour, userID, channel, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	monthlyUsed, err := s.store.Budgets().Count(store.WindowMonth, userID, channel, monthStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"channel":      channel,
		"hourly_used":  hourlyUsed,
		"hourly_cap":   hourlyCap,
		"monthly_used": monthlyUsed,
		"monthly_cap":  monthlyCap,
	})
}

// subscriptionTier is a placeholder until subscriptions carry their own
// tier column; today the tier lives on the target, so budget reads fall
// back to the base tier's caps when queried independent of a target.
func subscriptionTier(sub *store.AlertSubscription) string {
	_ = sub
	return ""
}
