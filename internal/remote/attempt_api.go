package remote

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// StartAttempt opens an attempt. A duplicate attempt for the same exam is
// reported as ErrAttemptConflict.
func (c *Client) StartAttempt(ctx context.Context, examID uuid.UUID) (*model.Attempt, error) {
	var a model.Attempt
	if err := c.postJSON(ctx, "start attempt", "/attempts/start", model.StartAttemptRequest{ExamID: examID}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// AutoSave pushes the in-progress answers. Replays are harmless.
func (c *Client) AutoSave(ctx context.Context, attemptID uuid.UUID, items []model.ResponseItem) error {
	path := "/attempts/" + attemptID.String() + "/auto-save"
	return c.postJSON(ctx, "autosave", path, model.ResponsesPayload{Responses: items}, nil)
}

// Submit sends the final answers. It is terminal for the attempt.
func (c *Client) Submit(ctx context.Context, attemptID uuid.UUID, items []model.ResponseItem) (*model.SubmitResult, error) {
	var res model.SubmitResult
	path := "/attempts/" + attemptID.String() + "/submit"
	if err := c.postJSON(ctx, "submit", path, model.ResponsesPayload{Responses: items}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetResponses reloads the answers stored for an attempt.
func (c *Client) GetResponses(ctx context.Context, attemptID uuid.UUID) ([]model.ResponseItem, error) {
	var payload model.ResponsesPayload
	if err := c.getJSON(ctx, "get responses", "/attempts/"+attemptID.String()+"/responses", &payload); err != nil {
		return nil, err
	}
	return payload.Responses, nil
}

// GetResults fetches the evaluated result of a submitted attempt.
func (c *Client) GetResults(ctx context.Context, attemptID uuid.UUID) (*model.AttemptResult, error) {
	var res model.AttemptResult
	if err := c.getJSON(ctx, "get results", "/attempts/"+attemptID.String()+"/results", &res); err != nil {
		return nil, err
	}
	return &res, nil
}
