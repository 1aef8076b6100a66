package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"registrar/internal/attendance"
	"registrar/internal/auth"
	"registrar/internal/queue"
)

func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Role    string `json:"role" binding:"required"`
		OrgID   string `json:"org_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Subject == attendance.SystemActor || req.Subject == auth.APIKeySubject {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject is reserved"})
		return
	}
	if req.Role == auth.RoleMember && req.OrgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "member tokens need an org_id"})
		return
	}
	caller := auth.FromContext(c)
	if (req.OrgID == "" && caller.OrgID != "") || (req.OrgID != "" && !caller.CanAccess(req.OrgID)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "organization not permitted"})
		return
	}

	tok, err := auth.Issue(req.Subject, req.Role, req.OrgID, s.opts.JWTIssuer, s.opts.JWTKey, s.opts.AccessTTL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": tok.AccessToken,
		"expires_at":   tok.AccessExp.Unix(),
	})
}

func (s *Server) setStatus(c *gin.Context) {
	var req struct {
		SubjectID string `json:"subject_id"`
		Status    string `json:"status" binding:"required"`
		Reason    string `json:"reason"`
		ChannelID string `json:"channel_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	if req.SubjectID == "" {
		req.SubjectID = claims.Subject
	}

	res, err := s.opts.Service.SetStatus(c.Request.Context(), attendance.StatusRequest{
		OrgID:           c.Param("org"),
		SubjectID:       req.SubjectID,
		Status:          attendance.Status(req.Status),
		RequestedBy:     claims.Subject,
		Reason:          req.Reason,
		OriginChannelID: req.ChannelID,
		Privileged:      claims.Privileged(),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	code := http.StatusOK
	if res.Changed {
		code = http.StatusCreated
	}
	c.JSON(code, res)
}

func (s *Server) getConfig(c *gin.Context) {
	cfg, err := s.opts.Service.Config(c.Request.Context(), c.Param("org"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg, "window": attendance.WindowText(cfg)})
}

func (s *Server) patchConfig(c *gin.Context) {
	var patch attendance.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := s.opts.Service.UpdateConfig(c.Request.Context(), c.Param("org"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// setWindow accepts either {"window": "8am to 5pm"} or {"start": "08:00", "end": "17:00"}.
func (s *Server) setWindow(c *gin.Context) {
	var req struct {
		Window string `json:"window"`
		Start  string `json:"start"`
		End    string `json:"end"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, end, err := parseWindowRequest(req.Window, req.Start, req.End)
	if err != nil {
		s.fail(c, err)
		return
	}
	cfg, err := s.opts.Service.SetWindow(c.Request.Context(), c.Param("org"), start, end)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg, "window": attendance.WindowText(cfg)})
}

func parseWindowRequest(window, start, end string) (attendance.TimeOfDay, attendance.TimeOfDay, error) {
	if window != "" {
		return attendance.ParseWindow(window)
	}
	if start == "" || end == "" {
		return 0, 0, fmt.Errorf("%w: provide window, or start and end", attendance.ErrInvalidTime)
	}
	from, err := attendance.ParseTimeOfDay(start)
	if err != nil {
		return 0, 0, err
	}
	to, err := attendance.ParseTimeOfDay(end)
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

func (s *Server) listRecords(c *gin.Context) {
	recs, err := s.opts.Service.Records(c.Request.Context(), c.Param("org"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]attendance.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	c.JSON(http.StatusOK, gin.H{"records": out})
}

func (s *Server) clearRecord(c *gin.Context) {
	had, err := s.opts.Service.ClearStatus(c.Request.Context(), c.Param("org"), c.Param("subject"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !had {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record for subject"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fullReset(c *gin.Context) {
	orgID := c.Param("org")
	s.background("full_reset", orgID, func(ctx context.Context) error {
		return s.opts.Service.FullReset(ctx, orgID)
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "reset started"})
}

func (s *Server) bulkRevoke(c *gin.Context) {
	orgID, roleID := c.Param("org"), c.Param("role")
	s.background("bulk_revoke", orgID, func(ctx context.Context) error {
		n, err := s.opts.Service.BulkRevokeRole(ctx, orgID, roleID)
		s.log.Info().Str("org", orgID).Str("role", roleID).Int("revoked", n).Msg("bulk revoke")
		return err
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "role reset started"})
}

func (s *Server) refreshReport(c *gin.Context) {
	var req struct {
		ChannelID string `json:"channel_id"`
		Force     *bool  `json:"force"`
		Async     bool   `json:"async"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	orgID := c.Param("org")
	opts := attendance.RefreshOptions{Destination: req.ChannelID, Force: req.Force == nil || *req.Force}

	if req.Async && s.opts.Queue != nil {
		msg := queue.Message{Type: queue.TypeRefresh, OrgID: orgID, Destination: opts.Destination, Force: opts.Force}
		if err := s.opts.Queue.Publish(c.Request.Context(), msg); err != nil {
			s.fail(c, fmt.Errorf("%w: queue publish: %v", attendance.ErrExternal, err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	ref, err := s.opts.Service.RefreshReport(c.Request.Context(), orgID, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": ref})
}

func (s *Server) showReport(c *gin.Context) {
	if s.opts.Reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reports disabled"})
		return
	}
	snap, err := s.opts.Reports.Snapshot(c.Request.Context(), c.Param("org"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"open": snap.Open, "window": snap.WindowText, "content": snap.Render()})
}

func (s *Server) removeReport(c *gin.Context) {
	if s.opts.Reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reports disabled"})
		return
	}
	removed, err := s.opts.Reports.Remove(c.Request.Context(), c.Param("org"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live report"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) leaderboard(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
			return
		}
		limit = parsed
	}
	rows, err := s.opts.Service.Leaderboard(c.Request.Context(), c.Param("org"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": rows})
}

func (s *Server) setup(c *gin.Context) {
	status, err := s.opts.Service.SetupChecklist(c.Request.Context(), c.Param("org"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
