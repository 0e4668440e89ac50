package remote

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// UploadFrame posts one JPEG frame as multipart form data and returns the
// server-side analysis.
func (c *Client) UploadFrame(ctx context.Context, attemptID uuid.UUID, jpeg []byte) (*model.DetectionResult, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	if err := mw.WriteField("attempt_id", attemptID.String()); err != nil {
		return nil, fmt.Errorf("upload frame: write field: %w", err)
	}

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	hdr.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("upload frame: create part: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, fmt.Errorf("upload frame: write part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload frame: close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/monitor/frame", body)
	if err != nil {
		return nil, fmt.Errorf("upload frame: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res model.DetectionResult
	if err := c.do(req, "upload frame", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReportViolation reports client-observed or relayed violations.
func (c *Client) ReportViolation(ctx context.Context, report model.ViolationReport) error {
	return c.postJSON(ctx, "report violation", "/monitor/enhanced/violation", report, nil)
}
