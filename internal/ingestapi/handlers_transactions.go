// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ingestapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/luxfi/fraudscreen/internal/models"
	"github.com/luxfi/fraudscreen/internal/txstore"
)

// sortMap translates the §6 sort enum (date_asc/date_desc/amt_asc/amt_desc)
// into the sort keys txstore.ListFilter understands.
var sortMap = map[string]string{
	"date_asc":  "timestamp_asc",
	"date_desc": "",
	"amt_asc":   "amount_asc",
	"amt_desc":  "amount",
}

func (s *Server) handleListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))

	f := txstore.ListFilter{
		Status:   c.Query("status"),
		Type:     c.Query("type"),
		Search:   c.Query("search"),
		Sort:     sortMap[c.Query("sort")],
		Page:     page,
		PageSize: pageSize,
	}

	rows, total, err := s.TxStore.List(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PaginatedResponse{
		Data:     rows,
		Page:     f.Page,
		PageSize: f.PageSize,
		Total:    total,
	})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	tx, err := s.TxStore.GetByCorrelationID(c.Request.Context(), c.Param("correlation_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type updateStatusRequest struct {
	IsFraud    *bool `json:"is_fraud"`
	IsReviewed *bool `json:"is_reviewed"`
}

// handleUpdateTransactionStatus updates only is_fraud/is_reviewed, never
// status: status is owned by the evaluation worker's one-directional
// promotion, not the review UI.
func (s *Server) handleUpdateTransactionStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID := c.Param("correlation_id")
	if err := s.TxStore.UpdateStatusFlags(c.Request.Context(), correlationID, req.IsFraud, req.IsReviewed); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"transaction": gin.H{
			"correlation_id": correlationID,
			"is_fraud":       req.IsFraud,
			"is_reviewed":    req.IsReviewed,
		},
	})
}

func (s *Server) handleExportTransactions(c *gin.Context) {
	f := txstore.ExportFilter{
		Status: c.Query("status"),
		Type:   c.Query("type"),
	}
	if v := c.Query("start_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			f.StartDate = t
		}
	}
	if v := c.Query("end_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			// end_date is inclusive of the whole day, matching the
			// original's "+1 day, strictly less than" filter.
			f.EndDate = t.Add(24 * time.Hour)
		}
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="transactions_export.csv"`))

	if err := s.TxStore.ExportCSV(c.Request.Context(), f, c.Writer); err != nil {
		flogExportFailed(c, err)
	}
}

func flogExportFailed(c *gin.Context, err error) {
	// Headers are already flushed by the time ExportCSV can fail mid-stream
	// (the BOM and header row write first), so there is nothing left to do
	// but stop writing; the client sees a truncated file.
	_ = c.Error(err)
}
