package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCarriesRequestIDAndClock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fixed := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	Now = func() time.Time { return fixed }
	t.Cleanup(func() { Now = time.Now })

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ok", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"remaining": 42}) })
	r.GET("/denied", func(c *gin.Context) { AbortFail(c, http.StatusUnauthorized, ErrTokenRequired) }, func(c *gin.Context) {
		t.Fatal("chain not aborted")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.Metadata.RequestID)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	assert.Equal(t, fixed.UnixMilli(), resp.Metadata.ServerTimeMs)
	assert.Equal(t, "2026-03-02T08:00:00Z", resp.Metadata.Timestamp)
	assert.Nil(t, resp.Error)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/denied", nil))
	resp = Response{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrTokenRequired, resp.Error.Code)
	assert.Equal(t, GetMessage(ErrTokenRequired), resp.Error.Message)
	assert.NotEmpty(t, resp.Metadata.RequestID)
}

func TestFailVariants(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	FailWithFields(c, http.StatusBadRequest, ErrValidation, map[string]string{"option": "option is required"})
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "option is required", resp.Error.Fields["option"])

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	FailWithMessage(c, http.StatusBadGateway, ErrSubmissionFailed, "backend said no")
	var upstream Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &upstream))
	assert.Equal(t, "backend said no", upstream.Error.Message)
	assert.Empty(t, upstream.Error.Fields)
}
