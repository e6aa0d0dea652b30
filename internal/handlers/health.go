package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/querydeck/querydeck/pkg/response"
)

// Health returns a simple status payload useful for readiness checks. The
// database round trip makes it an honest readiness signal, not just liveness.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(requestContext(c))
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}

		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	}
}
