package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/remotesettings/internal/server/changeset"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/monitor"
)

// requestOrigin is scheme://host as addressed by the client.
func requestOrigin(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}

func (s *Server) caller(c *gin.Context) changeset.Caller {
	return changeset.Caller{UserID: userID(c), Principals: principals(c), Host: requestOrigin(c)}
}

func setMaxAge(c *gin.Context, maxAge *int) {
	if maxAge != nil {
		c.Header("Cache-Control", "max-age="+strconv.Itoa(*maxAge))
	}
}

func redirect(c *gin.Context, r *changeset.Redirect) {
	setMaxAge(c, r.MaxAge)
	c.Redirect(http.StatusTemporaryRedirect, r.Location)
}

func (s *Server) changesetHandler(c *gin.Context) {
	q, err := changeset.ParseQuery(c.Param("bid"), c.Param("cid"), c.Request.URL.Query(), true)
	if err != nil {
		abort(c, err)
		return
	}
	resp, r, err := s.changesets.Get(c.Request.Context(), s.caller(c), q)
	if err != nil {
		abort(c, err)
		return
	}
	if r != nil {
		redirect(c, r)
		return
	}
	setTimestampHeaders(c, resp.LastModified)
	setMaxAge(c, resp.MaxAge)
	c.JSON(http.StatusOK, resp.Changeset)
}

// records lists the records of a collection; the monitor collection is
// served from its virtual entries.
func (s *Server) records(c *gin.Context) {
	bid, cid := c.Param("bid"), c.Param("cid")
	if !monitor.IsMonitor(bid, cid) {
		s.list(recordTarget)(c)
		return
	}

	q, err := changeset.ParseQuery(bid, cid, c.Request.URL.Query(), false)
	if err != nil {
		abort(c, err)
		return
	}
	ifNoneMatch, _ := parseETag(c.GetHeader("If-None-Match"))

	entries, ts, notMod, r, err := s.changesets.LegacyRecords(c.Request.Context(), s.caller(c), q, ifNoneMatch)
	if err != nil {
		abort(c, err)
		return
	}
	if r != nil {
		redirect(c, r)
		return
	}
	setTimestampHeaders(c, ts)
	if notMod {
		if s.changesets.LegacyNotModifiedAsEmptyList() {
			c.JSON(http.StatusOK, gin.H{"data": []models.Object{}})
			return
		}
		c.Status(http.StatusNotModified)
		return
	}

	data := make([]models.Object, len(entries))
	for i, e := range entries {
		data[i] = e.Object()
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}
