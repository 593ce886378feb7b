package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/changeset"
	"github.com/dmitrijs2005/remotesettings/internal/server/crud"
	"github.com/dmitrijs2005/remotesettings/internal/server/events"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

type targetFunc func(c *gin.Context) crud.Target

func bucketTarget(c *gin.Context) crud.Target {
	return crud.Bucket(c.Param("bid"))
}

func collectionTarget(c *gin.Context) crud.Target {
	return crud.Collection(c.Param("bid"), c.Param("cid"))
}

func groupTarget(c *gin.Context) crud.Target {
	return crud.Group(c.Param("bid"), c.Param("gid"))
}

func recordTarget(c *gin.Context) crud.Target {
	return crud.Record(c.Param("bid"), c.Param("cid"), c.Param("rid"))
}

type requestBody struct {
	Data        models.Object `json:"data"`
	Permissions models.ACL    `json:"permissions"`
}

func invalidBody(msg string) error {
	return common.ErrBadRequest.WithMessage(msg).WithDetails(map[string]any{"location": "body"})
}

// decodeBody reads the {"data", "permissions"} envelope. Numbers are kept
// as json.Number so that floats can be told apart from integers.
func decodeBody(c *gin.Context) (requestBody, error) {
	var b requestBody
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return b, invalidBody("could not read request body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return b, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		return b, invalidBody("body is not a valid JSON object: " + err.Error())
	}
	return b, nil
}

// parseETag reads a quoted timestamp as sent in If-Match / If-None-Match.
func parseETag(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil, nil
	}
	n, err := strconv.ParseInt(strings.Trim(raw, `"`), 10, 64)
	if err != nil {
		return nil, common.ErrBadRequest.
			WithMessagef("invalid precondition %q", raw).
			WithDetails(map[string]any{"location": "header"})
	}
	return &n, nil
}

func (s *Server) write(c *gin.Context, b requestBody) (crud.Write, error) {
	ifMatch, err := parseETag(c.GetHeader("If-Match"))
	if err != nil {
		return crud.Write{}, err
	}
	return crud.Write{
		Data:        b.Data,
		Permissions: b.Permissions,
		IfMatch:     ifMatch,
		IfNoneMatch: strings.TrimSpace(c.GetHeader("If-None-Match")) == "*",
	}, nil
}

// run executes fn in a request transaction on behalf of the caller.
func (s *Server) run(c *gin.Context, fn func(ctx context.Context, req *events.Request) error) error {
	return events.Run(c.Request.Context(), s.backend, s.bus, userID(c), principals(c), fn)
}

// read executes fn outside any transaction; fn must not write.
func (s *Server) read(c *gin.Context, fn func(ctx context.Context, req *events.Request) error) error {
	return events.Read(c.Request.Context(), s.backend, userID(c), principals(c), fn)
}

func setTimestampHeaders(c *gin.Context, ts int64) {
	c.Header("ETag", strconv.Quote(strconv.FormatInt(ts, 10)))
	c.Header("Last-Modified", timex.FromMillis(ts).UTC().Format(http.TimeFormat))
}

func notModified(c *gin.Context, ts int64) bool {
	expected, err := parseETag(c.GetHeader("If-None-Match"))
	return err == nil && expected != nil && *expected == ts
}

func respondObject(c *gin.Context, status int, res *crud.Result) {
	setTimestampHeaders(c, res.Data.LastModified())
	c.JSON(status, gin.H{"data": res.Data, "permissions": res.Permissions})
}

func (s *Server) get(target targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var res *crud.Result
		err := s.read(c, func(ctx context.Context, req *events.Request) (err error) {
			res, err = s.crud.Get(ctx, req, target(c))
			return err
		})
		if err != nil {
			abort(c, err)
			return
		}
		if notModified(c, res.Data.LastModified()) {
			setTimestampHeaders(c, res.Data.LastModified())
			c.Status(http.StatusNotModified)
			return
		}
		respondObject(c, http.StatusOK, res)
	}
}

func (s *Server) list(target targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := storage.Filter{}
		if raw, ok := c.GetQuery("_since"); ok {
			since, err := changeset.ParseSince(raw)
			if err != nil {
				abort(c, common.ErrBadRequest.
					WithMessagef("_since in querystring: %s", err).
					WithDetails(map[string]any{"location": "querystring", "name": "_since"}))
				return
			}
			filter.Since = &since
			filter.IncludeDeleted = true
		}
		if raw, ok := c.GetQuery("_limit"); ok {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				abort(c, common.ErrBadRequest.
					WithMessage("_limit in querystring: must be a positive integer").
					WithDetails(map[string]any{"location": "querystring", "name": "_limit"}))
				return
			}
			filter.Limit = n
		}

		var (
			list []models.Object
			ts   int64
		)
		err := s.read(c, func(ctx context.Context, req *events.Request) (err error) {
			list, ts, err = s.crud.List(ctx, req, target(c), filter)
			return err
		})
		if err != nil {
			abort(c, err)
			return
		}
		setTimestampHeaders(c, ts)
		if notModified(c, ts) {
			c.Status(http.StatusNotModified)
			return
		}
		if list == nil {
			list = []models.Object{}
		}
		c.JSON(http.StatusOK, gin.H{"data": list})
	}
}

func (s *Server) create(target targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := decodeBody(c)
		if err != nil {
			abort(c, err)
			return
		}
		w, err := s.write(c, b)
		if err != nil {
			abort(c, err)
			return
		}
		var res *crud.Result
		err = s.run(c, func(ctx context.Context, req *events.Request) (err error) {
			res, err = s.crud.Create(ctx, req, target(c), w)
			return err
		})
		if err != nil {
			abort(c, err)
			return
		}
		respondObject(c, http.StatusCreated, res)
	}
}

func (s *Server) put(target targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := decodeBody(c)
		if err != nil {
			abort(c, err)
			return
		}
		w, err := s.write(c, b)
		if err != nil {
			abort(c, err)
			return
		}
		var (
			res     *crud.Result
			created bool
		)
		err = s.run(c, func(ctx context.Context, req *events.Request) (err error) {
			res, created, err = s.crud.Put(ctx, req, target(c), w)
			return err
		})
		if err != nil {
			abort(c, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		respondObject(c, status, res)
	}
}

func (s *Server) patch(target targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := decodeBody(c)
		if err != nil {
			abort(c, err)
			return
		}
		w, err := s.write(c, b)
		if err != nil {
			abort(c, err)
			return
		}
		var res *crud.Result
		err = s.run(c, func(ctx context.Context, req *events.Request) (err error) {
			res, err = s.crud.Patch(ctx, req, target(c), w)
			return err
		})
		if err != nil {
			abort(c, err)
			return
		}
		respondObject(c, http.StatusOK, res)
	}
}

func (s *Server) remove(target targetFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ifMatch, err := parseETag(c.GetHeader("If-Match"))
		if err != nil {
			abort(c, err)
			return
		}
		var tomb models.Object
		err = s.run(c, func(ctx context.Context, req *events.Request) (err error) {
			tomb, err = s.crud.Delete(ctx, req, target(c), ifMatch)
			return err
		})
		if err != nil {
			abort(c, err)
			return
		}
		setTimestampHeaders(c, tomb.LastModified())
		c.JSON(http.StatusOK, gin.H{"data": tomb})
	}
}

func (s *Server) removeAll(c *gin.Context) {
	var tombs []models.Object
	err := s.run(c, func(ctx context.Context, req *events.Request) (err error) {
		tombs, err = s.crud.DeleteAll(ctx, req, recordTarget(c))
		return err
	})
	if err != nil {
		abort(c, err)
		return
	}
	if tombs == nil {
		tombs = []models.Object{}
	}
	c.JSON(http.StatusOK, gin.H{"data": tombs})
}
