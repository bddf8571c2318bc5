package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// queryInt64 reads an optional integer query parameter.
func queryInt64(c *gin.Context, name string, def int64) (int64, bool) {
	s := c.Query(name)
	if s == "" {
		return def, true
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, CodeValidation, name+" must be an integer")
		return 0, false
	}
	return v, true
}

// paramUUID reads a UUID path parameter.
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, CodeValidation, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
