package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/northbeam-io/pulsecheck/internal/probeengine"
)

// targetStats is the computed uptime/latency summary returned by the
// get_stats endpoint.
func (s *Server) targetStats(c *gin.Context) {
	id := c.Param("id")
	days := 7
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	outcomes, err := s.store.Outcomes().RangeByTarget(id, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(outcomes) == 0 {
		c.JSON(http.StatusOK, gin.H{"target_id": id, "sample_size": 0})
		return
	}

	var total, up int
	responseTimes := make([]int, 0, len(outcomes))
	var sum int
	for _, o := range outcomes {
		total++
		if o.OutcomeKind == probeengine.KindOK || o.OutcomeKind == probeengine.KindRedirect {
			up++
		}
		responseTimes = append(responseTimes, o.ResponseTimeMS)
		sum += o.ResponseTimeMS
	}
	sort.Ints(responseTimes)

	c.JSON(http.StatusOK, gin.H{
		"target_id":        id,
		"sample_size":      total,
		"uptime_pct":       100 * float64(up) / float64(total),
		"p50_response_ms":  percentile(responseTimes, 50),
		"p95_response_ms":  percentile(responseTimes, 95),
		"mean_response_ms": float64(sum) / float64(total),
	})
}

// percentile expects sorted as its name suggests.
func percentile(sorted []int, p int) int {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Server) targetAuditLog(c *gin.Context) {
	logs, err := s.store.Audit().ListByTarget(c.Param("id"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_log": logs})
}
