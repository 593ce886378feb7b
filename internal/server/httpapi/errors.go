package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/remotesettings/internal/common"
)

// Error numbers of the envelope, shared with other Kinto servers.
const (
	ErrnoMissingAuthToken   = 104
	ErrnoInvalidParameters  = 107
	ErrnoInvalidResourceID  = 111
	ErrnoModifiedMeanwhile  = 114
	ErrnoMethodNotAllowed   = 115
	ErrnoForbidden          = 121
	ErrnoConstraintViolated = 122
	ErrnoBackend            = 201
	ErrnoUndefined          = 999

	retryAfterSeconds = 3
)

// ErrorBody is the error envelope.
type ErrorBody struct {
	Code    int            `json:"code"`
	Errno   int            `json:"errno"`
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

var kinds = map[common.Kind]struct{ status, errno int }{
	common.KindBadRequest:              {http.StatusBadRequest, ErrnoInvalidParameters},
	common.KindInvalidTransition:       {http.StatusBadRequest, ErrnoInvalidParameters},
	common.KindTrackingFieldTamper:     {http.StatusBadRequest, ErrnoInvalidParameters},
	common.KindFloatRejected:           {http.StatusBadRequest, ErrnoInvalidParameters},
	common.KindUnauthorized:            {http.StatusUnauthorized, ErrnoMissingAuthToken},
	common.KindForbiddenGroup:          {http.StatusForbidden, ErrnoForbidden},
	common.KindCollectionInUse:         {http.StatusForbidden, ErrnoForbidden},
	common.KindForbidden:               {http.StatusForbidden, ErrnoForbidden},
	common.KindNotFound:                {http.StatusNotFound, ErrnoInvalidResourceID},
	common.KindAlreadyExists:           {http.StatusConflict, ErrnoConstraintViolated},
	common.KindConflict:                {http.StatusPreconditionFailed, ErrnoModifiedMeanwhile},
	common.KindSignerMalformedResponse: {http.StatusBadGateway, ErrnoUndefined},
	common.KindSignerUnavailable:       {http.StatusServiceUnavailable, ErrnoBackend},
	common.KindIntegrityConflict:       {http.StatusServiceUnavailable, ErrnoBackend},
	common.KindRetryable:               {http.StatusServiceUnavailable, ErrnoBackend},
	common.KindReadOnly:                {http.StatusServiceUnavailable, ErrnoBackend},
}

// Envelope maps err to its status code and body.
func Envelope(err error) (int, ErrorBody) {
	status, errno := http.StatusInternalServerError, ErrnoUndefined
	body := ErrorBody{}

	var e *common.Error
	if errors.As(err, &e) {
		if k, ok := kinds[e.Kind]; ok {
			status, errno = k.status, k.errno
		}
		body.Message = e.Message
		body.Details = e.Details
		if body.Message == "" {
			body.Message = string(e.Kind)
		}
	} else {
		body.Message = "A programmatic error occurred, developers have been informed."
	}

	body.Code = status
	body.Errno = errno
	body.Error = http.StatusText(status)
	return status, body
}

// abort writes the envelope of err and stops the handler chain. Server
// errors are reported to Sentry.
func abort(c *gin.Context, err error) {
	status, body := Envelope(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		if hub := sentry.GetHubFromContext(c.Request.Context()); hub != nil {
			hub.CaptureException(err)
		}
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func abortWith(c *gin.Context, status, errno int, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{
		Code:    status,
		Errno:   errno,
		Error:   http.StatusText(status),
		Message: message,
	})
}
