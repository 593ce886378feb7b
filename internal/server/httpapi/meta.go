package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/remotesettings/internal/server/broadcast"
)

const httpAPIVersion = "1.22"

type changesCapability struct {
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Collections []string `json:"collections"`
}

func (s *Server) root(c *gin.Context) {
	caps := gin.H{}
	if s.registry != nil {
		caps["signer"] = s.registry.Capabilities()
	}
	if s.monitor != nil {
		caps["changes"] = changesCapability{
			Description: "Track modifications of records and store the collection timestamps into a specific bucket and collection.",
			URL:         "https://remote-settings.readthedocs.io/en/latest/client-specifications.html",
			Collections: s.monitor.Resources(),
		}
	}
	if s.broadcasts != nil {
		caps["push_broadcast"] = gin.H{"channel": broadcast.Channel}
	}

	body := gin.H{
		"project_name":     "Remote Settings",
		"project_version":  s.version.Version,
		"http_api_version": httpAPIVersion,
		"url":              s.publicURL + "/",
		"capabilities":     caps,
	}
	if uid := userID(c); uid != "" {
		body["user"] = gin.H{"id": uid, "principals": principals(c)}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) lbHeartbeat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) heartbeatHandler(c *gin.Context) {
	if s.heartbeat == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	report := s.heartbeat.Run(c.Request.Context())
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report.Body())
}

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.version)
}

func (s *Server) broadcastsHandler(c *gin.Context) {
	if s.broadcasts == nil {
		abortWith(c, http.StatusNotFound, ErrnoInvalidResourceID, "push broadcasts are not enabled")
		return
	}
	resp, err := s.broadcasts.Broadcasts(c.Request.Context(), s.backend)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
