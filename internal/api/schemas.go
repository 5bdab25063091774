package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/highlight"
	"github.com/heimdex/heimdex-autoclip/internal/session"
)

type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	UptimeS int64         `json:"uptime_s"`
	Worker  *WorkerHealth `json:"worker,omitempty"`
}

type WorkerHealth struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Raw   string `json:"raw,omitempty"`
}

type CreateSessionRequest struct {
	AutoApprove      bool   `json:"autoApprove"`
	Quality          string `json:"quality" validate:"omitempty,oneof=auto 1080 720 480"`
	CropMode         string `json:"cropMode" validate:"omitempty,oneof=auto face screen"`
	SubtitlesEnabled *bool  `json:"subtitlesEnabled"`
	Font             string `json:"font" validate:"omitempty,max=64"`
}

// Options converts the request. Subtitles default to on.
func (r CreateSessionRequest) Options() session.Options {
	subs := true
	if r.SubtitlesEnabled != nil {
		subs = *r.SubtitlesEnabled
	}
	return session.Options{
		AutoApprove:      r.AutoApprove,
		Quality:          session.Quality(r.Quality),
		CropMode:         session.CropMode(r.CropMode),
		SubtitlesEnabled: subs,
		Font:             strings.TrimSpace(r.Font),
	}.WithDefaults()
}

type InputURLRequest struct {
	URL string `json:"url" validate:"required,url,max=2048"`
}

type TranscribeRequest struct {
	Language string `json:"language" validate:"omitempty,max=16"`
}

type SelectRequest struct {
	Instructions  string  `json:"instructions" validate:"max=4000"`
	Description   string  `json:"description" validate:"max=4000"`
	Language      string  `json:"language" validate:"omitempty,max=16"`
	TargetSeconds float64 `json:"targetSeconds" validate:"omitempty,gt=0,lte=600"`
	Count         int     `json:"count" validate:"omitempty,min=1,max=20"`
}

func (r SelectRequest) Options() highlight.SelectOptions {
	return highlight.SelectOptions{
		Instructions:  r.Instructions,
		Description:   r.Description,
		Language:      r.Language,
		TargetSeconds: r.TargetSeconds,
		Count:         r.Count,
	}
}

type UpdateHighlightRequest struct {
	Start *float64 `json:"start" validate:"required"`
	End   *float64 `json:"end" validate:"required"`
	Title *string  `json:"title" validate:"omitempty,max=200"`
}

type IndexesRequest struct {
	Indexes []int `json:"indexes" validate:"required,dive,min=0"`
}

type RenderRequest struct {
	Indexes []int `json:"indexes" validate:"omitempty,dive,min=0"`
}

type PreviewResponse struct {
	URL string `json:"url"`
}

type OutputsResponse struct {
	SessionID string          `json:"sessionId"`
	Items     []delivery.Item `json:"items"`
}

var validate = validator.New()

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
