package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/reducer"
	"github.com/roach88/dagstate/internal/stateerr"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusOf(err error) int {
	switch stateerr.CodeOf(err) {
	case stateerr.CodeNotFound:
		return http.StatusNotFound
	case stateerr.CodeConflict:
		return http.StatusConflict
	case stateerr.CodePermissionDenied:
		return http.StatusForbidden
	case stateerr.CodeInvalidParent:
		return http.StatusBadRequest
	case stateerr.CodeIntegrity, stateerr.CodeDecryption:
		return http.StatusUnprocessableEntity
	case stateerr.CodeCorrupt:
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, reducer.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, reducer.ErrBadInput), engine.IsReducerError(err), errors.Is(err, engine.ErrStepsExceeded):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), errorBody{Error: err.Error(), Code: string(stateerr.CodeOf(err))})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error()})
}
