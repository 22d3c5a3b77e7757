// Package blocks serves the block directory search endpoint.
package blocks

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/block-directory/block-directory/internal/auth"
	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/directory"
	"github.com/block-directory/block-directory/internal/middleware"
)

// Pagination headers set on successful searches.
const (
	TotalHeader      = "X-Total"
	TotalPagesHeader = "X-Total-Pages"
)

// Searcher runs a directory search for a caller.
type Searcher interface {
	Search(ctx context.Context, caller auth.Caller, q directory.Query) (*directory.Collection, error)
}

// @Summary      Search the block directory
// @Description  Searches the remote catalog for installable blocks, leaving out modules that are already installed.
// @Tags         Blocks
// @Produce      json
// @Security     Bearer
// @Param        term      query  string  true   "Search term"
// @Param        page      query  int     false  "Page number (default 1)"
// @Param        per_page  query  int     false  "Results per page (default 10)"
// @Param        context   query  string  false  "Only 'view' is supported"
// @Success      200  {array}   directory.Item
// @Failure      400  {object}  map[string]interface{}  "rest_invalid_param or rest_missing_callback_param"
// @Failure      401  {object}  map[string]interface{}  "rest_block_directory_cannot_view"
// @Failure      403  {object}  map[string]interface{}  "rest_block_directory_cannot_view"
// @Failure      500  {object}  map[string]interface{}  "plugins_api_failed"
// @Router       /api/v1/block-directory/search [get]
// SearchHandler handles block directory searches
// Implements: GET /api/v1/block-directory/search?term=<term>&page=<page>&per_page=<per_page>
func SearchHandler(svc Searcher, cfg config.CatalogConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, derr := parseQuery(c, cfg)
		if derr != nil {
			writeError(c, derr)
			return
		}

		coll, err := svc.Search(c.Request.Context(), middleware.CallerFromContext(c), q)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header(TotalHeader, strconv.FormatInt(coll.Total, 10))
		c.Header(TotalPagesHeader, strconv.FormatInt(coll.TotalPages, 10))
		c.JSON(http.StatusOK, coll.Items)
	}
}

// parseQuery reads term, page, per_page and context. The generic "search"
// parameter is not part of this endpoint and is ignored.
func parseQuery(c *gin.Context, cfg config.CatalogConfig) (directory.Query, *directory.Error) {
	if ctx := c.DefaultQuery("context", "view"); ctx != "view" {
		return directory.Query{}, directory.ErrorInvalidParam("context", "context is not one of view")
	}

	term, ok := c.GetQuery("term")
	if !ok {
		return directory.Query{}, directory.ErrorMissingParam("term")
	}
	if term == "" {
		return directory.Query{}, directory.ErrorInvalidParam("term", "term must be at least 1 character long")
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		return directory.Query{}, directory.ErrorInvalidParam("page", "page is not of type integer")
	}
	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(cfg.DefaultPerPage)))
	if err != nil {
		return directory.Query{}, directory.ErrorInvalidParam("per_page", "per_page is not of type integer")
	}

	q, err := directory.NewQuery(term, page, perPage, cfg.MaxPerPage)
	if err != nil {
		var derr *directory.Error
		if errors.As(err, &derr) {
			return directory.Query{}, derr
		}
		return directory.Query{}, directory.ErrorInvalidParam("term", err.Error())
	}
	return q, nil
}

// ErrorBody renders e in the host platform's error envelope.
func ErrorBody(e *directory.Error) gin.H {
	data := gin.H{"status": e.Status}
	body := gin.H{
		"code":    e.Code,
		"message": e.Message,
		"data":    data,
	}
	switch {
	case e.Param != "":
		reason := e.Details
		if reason == "" {
			reason = e.Message
		}
		data["params"] = gin.H{e.Param: reason}
	case e.Details != "":
		body["details"] = e.Details
	}
	return body
}

func writeError(c *gin.Context, err error) {
	var derr *directory.Error
	if !errors.As(err, &derr) {
		if errors.Is(err, context.Canceled) {
			middleware.RequestLogger(c).Debug("search cancelled by client")
		} else {
			middleware.RequestLogger(c).Error("block search failed", slog.Any("error", err))
		}
		derr = &directory.Error{
			Code:    directory.CodeInternal,
			Message: "Internal server error",
			Status:  http.StatusInternalServerError,
		}
	}
	c.AbortWithStatusJSON(derr.Status, ErrorBody(derr))
}
