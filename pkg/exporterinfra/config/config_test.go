// Copyright 2024, Pulumi Corporation.  All rights reserved.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	t.Parallel()

	v, err := ParseValue(Number, " 2 ")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = ParseValue(Boolean, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ParseValue(StringList, "us-east-1a, ,us-east-1b")
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1a", "us-east-1b"}, v)

	v, err = ParseValue(String, "api.yearn.finance")
	require.NoError(t, err)
	assert.Equal(t, "api.yearn.finance", v)

	_, err = ParseValue(Number, "two")
	assert.EqualError(t, err, `"two" is not a Number`)

	_, err = ParseValue(Invalid, "x")
	assert.EqualError(t, err, "unsupported config type Invalid")
}
