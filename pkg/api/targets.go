package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/northbeam-io/pulsecheck/internal/store"
	"github.com/northbeam-io/pulsecheck/internal/xerrors"
)

// createTargetRequest is the target registration payload.
type createTargetRequest struct {
	Name                  string            `json:"name" binding:"required"`
	URL                   string            `json:"url" binding:"required"`
	Method                string            `json:"method"`
	ExpectedStatusMin     int               `json:"expected_status_min"`
	ExpectedStatusMax     int               `json:"expected_status_max"`
	BodyAssertion         string            `json:"body_assertion"`
	IntervalSeconds       int               `json:"interval_seconds" binding:"required"`
	Headers               map[string]string `json:"headers"`
	RequestBody           string            `json:"request_body"`
	Region                string            `json:"region" binding:"required"`
	OwnerTier             string            `json:"owner_tier"`
	TreatRedirectAsOnline bool              `json:"treat_redirect_as_online"`
	IPv6Preferred         bool              `json:"ipv6_preferred"`
}

func (s *Server) createTarget(c *gin.Context) {
	ownerID := ownerIDFromRequest(c)

	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	minInterval := tierMinimum(req.OwnerTier)
	if time.Duration(req.IntervalSeconds)*time.Second < minInterval {
		err := xerrors.NewConfigError("interval_seconds", "below tier minimum "+minInterval.String())
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target := &store.Target{
		OwnerID:               ownerID,
		Name:                  req.Name,
		URL:                   req.URL,
		Method:                req.Method,
		ExpectedStatusMin:     req.ExpectedStatusMin,
		ExpectedStatusMax:     req.ExpectedStatusMax,
		IntervalSeconds:       req.IntervalSeconds,
		Region:                req.Region,
		Enabled:               true,
		OwnerTier:             req.OwnerTier,
		TreatRedirectAsOnline: req.TreatRedirectAsOnline,
		IPv6Preferred:         req.IPv6Preferred,
	}
	if req.BodyAssertion != "" {
		target.BodyAssertion = &req.BodyAssertion
	}
	if req.RequestBody != "" {
		target.RequestBody = &req.RequestBody
	}
	if err := target.SetHeaderMap(req.Headers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid headers"})
		return
	}

	if err := s.store.Targets().Create(target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, target)
}

func (s *Server) listTargets(c *gin.Context) {
	ownerID := ownerIDFromRequest(c)
	targets, err := s.store.Targets().ListByOwner(ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets, "total": len(targets)})
}

func (s *Server) getTarget(c *gin.Context) {
	target, err := s.store.Targets().GetByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}
	c.JSON(http.StatusOK, target)
}

func (s *Server) updateTarget(c *gin.Context) {
	id := c.Param("id")
	existing, err := s.store.Targets().GetByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}

	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	minInterval := tierMinimum(existing.OwnerTier)
	if time.Duration(req.IntervalSeconds)*time.Second < minInterval {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval_seconds below tier minimum"})
		return
	}

	// Registration fields are mutable in place; runtime state is left to
	// the scheduler/classifier and is never touched by this endpoint.
	existing.Name = req.Name
	existing.URL = req.URL
	existing.Method = req.Method
	existing.ExpectedStatusMin = req.ExpectedStatusMin
	existing.ExpectedStatusMax = req.ExpectedStatusMax
	existing.IntervalSeconds = req.IntervalSeconds
	existing.TreatRedirectAsOnline = req.TreatRedirectAsOnline
	existing.IPv6Preferred = req.IPv6Preferred
	if req.BodyAssertion != "" {
		existing.BodyAssertion = &req.BodyAssertion
	}
	if err := existing.SetHeaderMap(req.Headers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid headers"})
		return
	}

	if err := s.store.Targets().UpdateRegistration(existing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (s *Server) deleteTarget(c *gin.Context) {
	if err := s.store.Targets().Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "target deleted"})
}

func (s *Server) toggleEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.store.Targets().ToggleEnabled(id, enabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		action := store.ActionManualDisable
		if enabled {
			action = store.ActionManualEnable
		}
		if target, err := s.store.Targets().GetByID(id); err == nil {
			_ = s.store.Audit().Record(id, target.OwnerID, action, "")
		}
		c.JSON(http.StatusOK, gin.H{"enabled": enabled})
	}
}

// manualProbe runs an immediate, synchronous probe against a target
// outside the normal tick, without updating target state, and records an
// audit_logs row so this out-of-band action leaves a durable trail
// instead of being fire-and-forget.
func (s *Server) manualProbe(c *gin.Context) {
	if s.probe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "manual probing not available on this instance"})
		return
	}

	target, err := s.store.Targets().GetByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
		return
	}

	outcome, headers := s.probe.Probe(c.Request.Context(), target, time.Now().UTC())
	if s.enricher != nil {
		s.enricher.Enrich(outcome, headers)
	}
	_ = s.store.Audit().Record(target.ID, target.OwnerID, store.ActionManualProbe, outcome.OutcomeKind)
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) targetHistory(c *gin.Context) {
	limit, offset := paginationParams(c)
	outcomes, err := s.store.Outcomes().ListByTarget(c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes, "total": len(outcomes)})
}

func (s *Server) targetRollups(c *gin.Context) {
	since := c.DefaultQuery("since", time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02"))
	rollups, err := s.store.Rollups().ListByTarget(c.Param("id"), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rollups": rollups})
}

func paginationParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func ownerIDFromRequest(c *gin.Context) string {
	if ownerID := c.GetHeader("X-Owner-ID"); ownerID != "" {
		return ownerID
	}
	return c.Query("owner_id")
}
