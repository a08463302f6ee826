package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := StoreUnavailable.Explain("ping %s", "relational").Wrap(cause)

	assert.True(t, Is(err, StoreUnavailable))
	assert.False(t, Is(err, StoreWrite))
	assert.True(t, Is(err, cause))

	wrapped := fmt.Errorf("fetch active: %w", err)
	assert.True(t, Is(wrapped, StoreUnavailable))
	assert.Contains(t, err.Error(), "[StoreUnavailable] ping relational")
}

func TestWrapDoesNotMutateSentinel(t *testing.T) {
	_ = StoreWrite.Wrap(fmt.Errorf("boom"))
	assert.Nil(t, StoreWrite.Unwrap())
	assert.Equal(t, "[StoreWrite]", StoreWrite.Error())
}

func TestWithFieldCopies(t *testing.T) {
	base := Invalid.Explain("bad payload")
	a := base.WithField("required", "testType", "missing")
	b := base.WithField("min", "iterations", "too small")

	assert.Len(t, base.Fields, 0)
	assert.Len(t, a.Fields, 1)
	assert.Len(t, b.Fields, 1)
	assert.Equal(t, "iterations", b.Fields[0].Field)
}

func TestToProblemDetails(t *testing.T) {
	pd := ToProblemDetails(Invalid.Explain("unknown kind").WithField("oneof", "kind", "nope"), "/api/v1/sync")
	assert.Equal(t, http.StatusBadRequest, pd.Status)
	assert.Len(t, pd.Errors, 1)

	pd = ToProblemDetails(NotFound.Explain("no report yet"), "/x")
	assert.Equal(t, http.StatusNotFound, pd.Status)

	pd = ToProblemDetails(NoStoreAvailable.Explain("cannot record"), "/x")
	assert.Equal(t, http.StatusServiceUnavailable, pd.Status)

	pd = ToProblemDetails(fmt.Errorf("read: %w", StoreUnavailable.Explain("timeout")), "/x")
	assert.Equal(t, http.StatusServiceUnavailable, pd.Status)

	pd = ToProblemDetails(RateLimited.Explain("100-M exceeded"), "/x")
	assert.Equal(t, http.StatusTooManyRequests, pd.Status)
	assert.Equal(t, TypeRateLimited, pd.Type)

	pd = ToProblemDetails(fmt.Errorf("plain"), "/x")
	assert.Equal(t, http.StatusInternalServerError, pd.Status)
}

func TestProblemDetailsMarshalExtra(t *testing.T) {
	pd := NewValidationError("bad", "/here").WithExtra("kind", "page_load")
	raw, err := json.Marshal(pd)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "page_load", out["kind"])
	assert.Equal(t, float64(http.StatusBadRequest), out["status"])
	assert.Equal(t, TypeValidationError, out["type"])
}
