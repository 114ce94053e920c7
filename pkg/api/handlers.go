package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/auth"
	"github.com/developer-mesh/collabcore/pkg/collaboration"
	"github.com/developer-mesh/collabcore/pkg/models"
)

type joinRequest struct {
	DocumentType string `json:"document_type" binding:"required"`
	DocumentID   string `json:"document_id" binding:"required"`
}

type cursorRequest struct {
	models.FieldTarget
	Position int `json:"position"`
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

func currentUser(c *gin.Context) (*models.UserInfo, bool) {
	user, ok := auth.UserFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}
	return user, true
}

// errorStatus maps registry errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, collaboration.ErrSessionUnavailable):
		return http.StatusLocked
	case errors.Is(err, collaboration.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, collaboration.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, collaboration.ErrEmptyChat):
		return http.StatusBadRequest
	case errors.Is(err, collaboration.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	_ = c.Error(err)

	body := gin.H{"error": err.Error()}
	var sue *collaboration.SessionUnavailableError
	if errors.As(err, &sue) && sue.HeldBy != "" {
		body["held_by"] = sue.HeldBy
	}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

func (s *Server) joinHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc := models.NewDocumentRef(req.DocumentType, req.DocumentID)
	if err := doc.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.registry.Join(c.Request.Context(), doc, *user)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) leaveHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	if err := s.registry.Leave(c.Request.Context(), c.Param("id"), user.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) heartbeatHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	if err := s.registry.Heartbeat(c.Request.Context(), c.Param("id"), user.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cursorHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req cursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.FieldTarget.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Position < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position must not be negative"})
		return
	}

	if err := s.registry.MoveCursor(c.Request.Context(), c.Param("id"), user.ID, req.FieldTarget, req.Position); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) chatHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := s.registry.PostChat(c.Request.Context(), c.Param("id"), user.ID, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func documentParam(c *gin.Context) (models.DocumentRef, bool) {
	doc := models.NewDocumentRef(c.Param("doctype"), c.Param("docid"))
	if err := doc.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return doc, false
	}
	return doc, true
}

func (s *Server) statusHandler(c *gin.Context) {
	doc, ok := documentParam(c)
	if !ok {
		return
	}
	status, err := s.registry.Status(c.Request.Context(), doc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// sessionHandler reports the status of the document a session id belongs to
func (s *Server) sessionHandler(c *gin.Context) {
	doc, ok := s.registry.SessionDocument(c.Param("id"))
	if !ok {
		respondError(c, collaboration.ErrSessionNotFound)
		return
	}
	status, err := s.registry.Status(c.Request.Context(), doc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) locksHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	doc, ok := documentParam(c)
	if !ok {
		return
	}
	locks, err := s.registry.FieldLocks(c.Request.Context(), doc, user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc, "locks": locks})
}
