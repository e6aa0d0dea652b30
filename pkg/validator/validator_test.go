package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type loginPayload struct {
	Username string `json:"username" validate:"required,min=3"`
	Password string `json:"password" validate:"required,min=8"`
}

func TestValidateStructSuccess(t *testing.T) {
	require.NoError(t, ValidateStruct(loginPayload{
		Username: "alice",
		Password: "longenough",
	}))
}

func TestValidateStructFailures(t *testing.T) {
	err := ValidateStruct(loginPayload{Username: "al"})
	require.Error(t, err)

	failures, ok := err.(ValidationErrors)
	require.True(t, ok)
	require.Len(t, failures, 2)
	require.Contains(t, err.Error(), "username failed on min=3")
	require.Contains(t, err.Error(), "password failed on required")
}
