package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	Role string `json:"role" validate:"required,oneof=system user assistant"`
}

type testRequest struct {
	Model       string        `json:"model" validate:"required"`
	Messages    []testMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature float64       `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	BaseURL     string        `json:"base_url" validate:"omitempty,url"`
	Internal    string        `json:"-" validate:"omitempty,min=3"`
}

func validRequest() testRequest {
	return testRequest{
		Model:    "gpt-4o",
		Messages: []testMessage{{Role: "user"}},
	}
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		r := validRequest()
		assert.NoError(t, ValidateStruct(&r))
	})

	t.Run("missing required field uses json name", func(t *testing.T) {
		r := validRequest()
		r.Model = ""

		err := ValidateStruct(&r)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "model is required", fields["model"])
	})

	t.Run("nested element path", func(t *testing.T) {
		r := validRequest()
		r.Messages = append(r.Messages, testMessage{Role: "robot"})

		fields := GetValidationFields(ValidateStruct(&r))
		assert.Contains(t, fields["messages[1].role"], "must be one of")
	})

	t.Run("empty slice", func(t *testing.T) {
		r := validRequest()
		r.Messages = []testMessage{}

		fields := GetValidationFields(ValidateStruct(&r))
		assert.Equal(t, "messages must be at least 1", fields["messages"])
	})

	t.Run("range and url", func(t *testing.T) {
		r := validRequest()
		r.Temperature = 3
		r.BaseURL = "not a url"

		fields := GetValidationFields(ValidateStruct(&r))
		assert.Equal(t, "temperature must be less than or equal to 2", fields["temperature"])
		assert.Equal(t, "base_url must be a valid URL", fields["base_url"])
	})
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "Test validation error",
		Fields: map[string]string{
			"field1": "error1",
		},
	}

	assert.Equal(t, "Test validation error", err.Error())
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{Message: "test"}))
	assert.False(t, IsValidationError(assert.AnError))
}

func TestGetValidationFields(t *testing.T) {
	t.Run("gets fields from validation error", func(t *testing.T) {
		fields := map[string]string{
			"field1": "error1",
			"field2": "error2",
		}
		err := &ValidationError{
			Message: "test",
			Fields:  fields,
		}

		assert.Equal(t, fields, GetValidationFields(err))
	})

	t.Run("returns nil for non-validation error", func(t *testing.T) {
		assert.Nil(t, GetValidationFields(assert.AnError))
	})
}
