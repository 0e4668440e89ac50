package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Response wraps every control API reply.
type Response struct {
	Data     any        `json:"data"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody describes a failed command. Fields is set for validation errors.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata identifies the request and carries the agent clock. The shell
// uses ServerTimeMs to correct its countdown against RemainingSeconds.
type Metadata struct {
	RequestID    string `json:"request_id"`
	Timestamp    string `json:"timestamp"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

// Now is the clock stamped into Metadata.
var Now = time.Now

// Success writes data with statusCode.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, envelope(c, data, nil))
}

// Fail writes the fixed message registered for code.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, envelope(c, nil, &ErrorBody{Code: code, Message: GetMessage(code)}))
}

// FailWithFields writes a validation failure keyed by JSON field name.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, envelope(c, nil, &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields}))
}

// FailWithMessage writes code with a caller supplied message, used when the
// backend's own reason must reach the shell.
func FailWithMessage(c *gin.Context, statusCode int, code ErrCode, message string) {
	c.JSON(statusCode, envelope(c, nil, &ErrorBody{Code: code, Message: message}))
}

// AbortFail is Fail for middleware: it also stops the handler chain.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, envelope(c, nil, &ErrorBody{Code: code, Message: GetMessage(code)}))
}

func envelope(c *gin.Context, data any, body *ErrorBody) Response {
	id := c.GetString(ContextKeyRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	now := Now().UTC()
	return Response{
		Data:  data,
		Error: body,
		Metadata: Metadata{
			RequestID:    id,
			Timestamp:    now.Format(time.RFC3339),
			ServerTimeMs: now.UnixMilli(),
		},
	}
}
