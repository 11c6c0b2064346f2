// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ingestapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/luxfi/fraudscreen/internal/ferrors"
)

// statusFor maps a ferrors.Category to the HTTP status the original's view
// layer returned for the same failure class.
func statusFor(err error) int {
	switch {
	case ferrors.Is(err, ferrors.CategoryValidation):
		return http.StatusBadRequest
	case ferrors.Is(err, ferrors.CategoryNotFound):
		return http.StatusNotFound
	case ferrors.Is(err, ferrors.CategoryDuplicate):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
