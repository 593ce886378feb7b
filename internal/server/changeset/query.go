package changeset

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/remotesettings/internal/common"
)

var errMalformedSince = errors.New(`must be an integer timestamp, optionally quoted ("123")`)

// Query holds the parameters of a changeset request.
type Query struct {
	Bucket     string
	Collection string

	Expected    string
	HasExpected bool
	Since       *int64
	Limit       int

	// FilterBucket and FilterCollection narrow the monitor entries.
	FilterBucket     string
	FilterCollection string

	// Raw is the original query string, kept for redirects.
	Raw url.Values
}

func badParam(name, msg string) error {
	return common.ErrBadRequest.
		WithMessagef("%s in querystring: %s", name, msg).
		WithDetails(map[string]any{"location": "querystring", "name": name})
}

// ParseQuery reads the changeset parameters of (bid, cid) from values.
// requireExpected enforces the cache-buster of the changeset endpoint.
func ParseQuery(bid, cid string, values url.Values, requireExpected bool) (Query, error) {
	q := Query{Bucket: bid, Collection: cid, Raw: values}

	if _, ok := values["_expected"]; ok {
		q.HasExpected = true
		q.Expected = values.Get("_expected")
	} else if requireExpected {
		return Query{}, badParam("_expected", "required")
	}

	if raw, ok := values["_since"]; ok {
		since, err := ParseSince(raw[0])
		if err != nil {
			return Query{}, badParam("_since", err.Error())
		}
		q.Since = &since
	}

	if raw := values.Get("_limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Query{}, badParam("_limit", "must be a positive integer")
		}
		q.Limit = n
	}

	q.FilterBucket = values.Get("bucket")
	q.FilterCollection = values.Get("collection")
	return q, nil
}

// ParseSince accepts "NNN" with or without the surrounding quotes.
func ParseSince(raw string) (int64, error) {
	s := raw
	if strings.HasPrefix(s, `"`) || strings.HasSuffix(s, `"`) {
		if len(s) < 2 || !strings.HasPrefix(s, `"`) || !strings.HasSuffix(s, `"`) {
			return 0, errMalformedSince
		}
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errMalformedSince
	}
	return n, nil
}
