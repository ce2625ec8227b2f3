package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

func TestParseActionFlag(t *testing.T) {
	typ, input, err := parseActionFlag(`demo.echo={"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, "demo.echo", typ)
	assert.JSONEq(t, `{"a":1}`, string(input))

	typ, input, err = parseActionFlag("demo.getip")
	require.NoError(t, err)
	assert.Equal(t, "demo.getip", typ)
	assert.Nil(t, input)

	_, _, err = parseActionFlag(`={"a":1}`)
	assert.Error(t, err)
	_, _, err = parseActionFlag(`demo.echo={not json`)
	assert.ErrorContains(t, err, "demo.echo")
}

func TestBuildSubmitRequest(t *testing.T) {
	submitType, submitInput, submitParallel, submitMaxAttempts = "order", `{"id":7}`, true, 3
	submitActions = []string{`demo.echo="x"`, "demo.getip"}
	t.Cleanup(func() {
		submitType, submitInput, submitParallel, submitMaxAttempts, submitActions = "", "", false, 0, nil
	})

	req, err := buildSubmitRequest()
	require.NoError(t, err)
	assert.Equal(t, "order", req.WorkflowType)
	assert.Equal(t, domain.ModeParallel, req.ExecutionMode)
	require.Len(t, req.Actions, 2)
	assert.Equal(t, 3, *req.Actions[0].MaxAttempts)
	assert.Equal(t, "demo.getip", req.Actions[1].ActionType)

	submitInput = "{"
	_, err = buildSubmitRequest()
	assert.Error(t, err)
}

func TestParseInstanceID(t *testing.T) {
	id, err := parseInstanceID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	_, err = parseInstanceID("abc")
	assert.Error(t, err)
}
