package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListPlans is public; pricing pages render it before sign-up.
func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.catalogSvc.ListPlansWithFeatures(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plans})
}
