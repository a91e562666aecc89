package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	cua "github.com/onkernel/cua-agent"
)

// errorBody is the JSON shape every error response shares.
func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// statusFor maps a core error kind (§7) onto an HTTP status and a stable
// machine-readable code. Anything unrecognized is a 500.
func statusFor(err error) (int, string) {
	var (
		authErr  *cua.AuthError
		valErr   *cua.ValidationError
		storeErr *cua.StoreError
		lostErr  *cua.SessionLostError
	)
	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &valErr):
		return http.StatusBadRequest, "validation_error"
	case errors.As(err, &lostErr):
		return http.StatusNotFound, "session_lost"
	case errors.As(err, &storeErr):
		return http.StatusInternalServerError, "store_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError maps err to a status/body and writes it via c.JSON.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.JSON(status, errorBody(code, err.Error()))
}

// writeNotFound writes a 404 for a missing resource, independent of any Go
// error value (depending on the store, a miss is reported either as
// (nil, nil) or as a not-found error; handlers treat both as a miss).
func writeNotFound(c *gin.Context, resource, id string) {
	c.JSON(http.StatusNotFound, errorBody("not_found", resource+" "+id+" not found"))
}

// writeValidationError writes a 400 with the offending field named, per
// ValidationError's documented shape.
func writeValidationError(c *gin.Context, field, message string) {
	writeError(c, &cua.ValidationError{Field: field, Message: message})
}
