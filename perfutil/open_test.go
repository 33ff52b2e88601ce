// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldIntAttrParsesOffsetAndSize(t *testing.T) {
	rest := "	offset:16;	size:8;	signed:0;"

	offset, err := fieldIntAttr(rest, "offset")
	require.NoError(t, err)
	require.Equal(t, 16, offset)

	size, err := fieldIntAttr(rest, "size")
	require.NoError(t, err)
	require.Equal(t, 8, size)
}

func TestFieldIntAttrMissingAttribute(t *testing.T) {
	_, err := fieldIntAttr("	size:8;", "offset")
	require.Error(t, err)
}
