package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// statusFor maps engine and backend errors to an HTTP status and code. The
// first match wins, so specific errors precede the ones they wrap.
func statusFor(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrNoSession):
		return http.StatusNotFound, response.ErrNoSession
	case errors.Is(err, service.ErrSessionInProgress):
		return http.StatusConflict, response.ErrSessionInProgress
	case errors.Is(err, service.ErrNoResumableAttempt):
		return http.StatusConflict, response.ErrAttemptConflict
	case errors.Is(err, service.ErrNotSubmitted):
		return http.StatusConflict, response.ErrNotSubmitted
	case errors.Is(err, service.ErrNotLoggedIn):
		return http.StatusUnauthorized, response.ErrNotLoggedIn

	case errors.Is(err, session.ErrSubmissionFailed):
		return http.StatusBadGateway, response.ErrSubmissionFailed
	case errors.Is(err, session.ErrSubmitInFlight):
		return http.StatusConflict, response.ErrSubmitInProgress
	case errors.Is(err, session.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, session.ErrInvalidInit):
		return http.StatusUnprocessableEntity, response.ErrInvalidExam

	case errors.Is(err, ledger.ErrUnknownQuestion):
		return http.StatusBadRequest, response.ErrUnknownQuestion
	case errors.Is(err, ledger.ErrOptionOutOfRange):
		return http.StatusBadRequest, response.ErrOptionOutOfRange

	case errors.Is(err, remote.ErrTokenExpired):
		return http.StatusUnauthorized, response.ErrBackendTokenExpired
	case errors.Is(err, remote.ErrUnauthorized):
		return http.StatusUnauthorized, response.ErrBackendUnauthorized
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, remote.ErrAttemptConflict):
		return http.StatusConflict, response.ErrAttemptConflict
	case errors.Is(err, remote.ErrBackendUnavailable):
		return http.StatusBadGateway, response.ErrBackendUnavailable
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// fail writes the error envelope for err.
func fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if code == response.ErrSubmissionFailed {
		// The shell shows the cause next to the retry button.
		response.FailWithMessage(c, status, code, response.GetMessage(code)+" "+err.Error())
		return
	}
	response.Fail(c, status, code)
}
