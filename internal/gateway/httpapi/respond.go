// Package httpapi holds the small shared pieces of the HTTP facade.
package httpapi

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dere/dere/internal/common/errors"
)

// Error writes the {"detail": ...} error body with the status carried
// by the typed error (500 for anything untyped).
func Error(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"detail": appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
}

// BadRequest writes a 400 with the given detail.
func BadRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": detail})
}
