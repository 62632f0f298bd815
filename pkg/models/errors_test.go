package models_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaError_IsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  *models.MediaError
		want bool
	}{
		{"network", &models.MediaError{Kind: models.ErrorKindNetwork}, true},
		{"timeout", &models.MediaError{Kind: models.ErrorKindTimeout}, true},
		{"auth", &models.MediaError{Kind: models.ErrorKindAuthRequired}, false},
		{"not found", &models.MediaError{Kind: models.ErrorKindNotFound}, false},
		{"unsupported", &models.MediaError{Kind: models.ErrorKindUnsupported}, false},
		{"cancelled", &models.MediaError{Kind: models.ErrorKindCancelled}, false},
		{"internal", &models.MediaError{Kind: models.ErrorKindInternal}, false},
		{"bad input transcode", &models.MediaError{Kind: models.ErrorKindTranscode}, false},
		{"disk full transcode", &models.MediaError{Kind: models.ErrorKindTranscode, Transient: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.IsRetryable())
		})
	}
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, models.ClassifyError(nil))

	original := models.NewMediaError(models.ErrorKindNotFound, errors.New("video unavailable"))
	wrapped := fmt.Errorf("download: %w", original)
	got := models.ClassifyError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, original, got)

	assert.Equal(t, models.ErrorKindTimeout, models.ClassifyError(fmt.Errorf("call: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, models.ErrorKindCancelled, models.ClassifyError(context.Canceled).Kind)
	assert.Equal(t, models.ErrorKindInternal, models.ClassifyError(errors.New("boom")).Kind)
}

func TestMediaError_ErrorString(t *testing.T) {
	assert.Equal(t, "network", (&models.MediaError{Kind: models.ErrorKindNetwork}).Error())
	err := models.NewMediaError(models.ErrorKindAuthRequired, errors.New("sign in"))
	assert.Equal(t, "auth_required: sign in", err.Error())
	assert.ErrorIs(t, err, err.Err)
}
