package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/prismai/automod/automod/engine"
	"github.com/prismai/automod/automod/ledger"
	"github.com/prismai/automod/automod/rules"
	"github.com/prismai/automod/automod/settings"

	"github.com/labstack/echo/v4"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("sentinel-http-internal-error", "err", err)
	}
	if errorMessage == "" {
		errorMessage = http.StatusText(code)
	}
	c.JSON(code, GenericError{Error: http.StatusText(code), Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if srv.rdb != nil {
		if err := srv.rdb.Ping(c.Request().Context()).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "sentinel", Message: "redis unavailable"})
		}
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "sentinel"})
}

// Evaluates a single message event, synchronously, and returns the enforcement result.
func (srv *Server) HandleEvent(c echo.Context) error {
	var evt rules.Message
	if err := c.Bind(&evt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message event")
	}
	if evt.GuildID == "" || evt.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "guildId and userId are required")
	}
	apiEventsReceived.Inc()

	res, err := srv.engine.ProcessMessage(c.Request().Context(), &evt)
	if errors.Is(err, ledger.ErrLedgerUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, res)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type violationsResponse struct {
	GuildID    string             `json:"guildId"`
	UserID     string             `json:"userId"`
	Count      uint               `json:"count"`
	Violations []ledger.Violation `json:"violations"`
}

func (srv *Server) HandleListViolations(c echo.Context) error {
	ctx := c.Request().Context()
	guildID, userID := c.Param("guild"), c.Param("user")
	list, err := srv.engine.ListViolations(ctx, guildID, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if list == nil {
		list = []ledger.Violation{}
	}
	return c.JSON(http.StatusOK, violationsResponse{
		GuildID:    guildID,
		UserID:     userID,
		Count:      uint(len(list)),
		Violations: list,
	})
}

func (srv *Server) HandleRemoveViolation(c echo.Context) error {
	if err := srv.engine.RemoveViolation(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleGetSettings(c echo.Context) error {
	snap := srv.reloader.Resolve(c.Request().Context(), c.Param("guild"))
	return c.JSON(http.StatusOK, snap.Summary())
}

// Replaces a guild's settings document. Invalid rules are skipped and reported in the summary; an unparseable document is rejected.
func (srv *Server) HandlePutSettings(c echo.Context) error {
	guildID := c.Param("guild")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	doc, err := settings.Parse(body)
	if err != nil {
		apiSettingsUpdates.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if doc.GuildID == "" {
		doc.GuildID = guildID
	}
	if doc.GuildID != guildID {
		apiSettingsUpdates.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "guildId does not match path")
	}
	snap := srv.reloader.Apply(doc, settings.SourceAPI)
	apiSettingsUpdates.WithLabelValues("ok").Inc()
	return c.JSON(http.StatusOK, snap.Summary())
}

func (srv *Server) HandleRuleStats(c echo.Context) error {
	stats, err := srv.engine.RuleStats(c.Request().Context(), c.Param("guild"), c.Param("rule"))
	if errors.Is(err, engine.ErrNoCounters) {
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (srv *Server) HandleAuditLog(c echo.Context) error {
	limit := 50
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}
	out, err := srv.audit.Recent(c.Request().Context(), c.Param("guild"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"outcomes": out})
}
