package remote

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// GetExam fetches exam metadata.
func (c *Client) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	var exam model.Exam
	if err := c.getJSON(ctx, "get exam", "/exams/"+examID.String(), &exam); err != nil {
		return nil, err
	}
	return &exam, nil
}

// GetQuestions fetches the ordered question list of an exam.
func (c *Client) GetQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	var qs []model.Question
	if err := c.getJSON(ctx, "get questions", "/exams/"+examID.String()+"/questions", &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// GetProctoringSettings fetches the exam's proctoring configuration.
func (c *Client) GetProctoringSettings(ctx context.Context, examID uuid.UUID) (*model.ProctoringSettings, error) {
	var s model.ProctoringSettings
	path := "/monitor/enhanced/exam/" + examID.String() + "/proctoring-settings"
	if err := c.getJSON(ctx, "get proctoring settings", path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
