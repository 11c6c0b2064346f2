// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ingestapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// handleMLProbability surfaces whatever the ML scoring side-channel has
// published for a transaction, keyed ml:<tx_id>. Absent or unparseable
// values read as "pending" rather than an error: scoring is advisory and
// asynchronous, so a caller polling before it lands is the common case.
func (s *Server) handleMLProbability(c *gin.Context) {
	txID := c.Param("tx_id")

	raw, err := s.Redis.Get(c.Request.Context(), "ml:"+txID).Result()
	if err == redis.Nil {
		c.JSON(http.StatusOK, gin.H{"status": "pending", "probability": nil})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	prob, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "pending", "probability": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "probability": prob})
}
