package common_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

func TestDecodeObjectKeepsNumbers(t *testing.T) {
	obj, err := common.DecodeObject([]byte(`{"amount": 11.00, "nested": {"qty": 2}}`))
	require.NoError(t, err)
	require.Equal(t, "11.00", common.LookupString(obj, "amount"))
	require.Equal(t, "2", common.LookupString(obj, "nested", "qty"))
	require.Empty(t, common.LookupString(obj, "nested"))
	require.NotNil(t, common.LookupObject(obj, "nested"))
}

func TestDecodeObjectRejectsTrailingData(t *testing.T) {
	_, err := common.DecodeObject([]byte(`{"a":1}{"b":2}`))
	require.Error(t, err)
	_, err = common.DecodeObject([]byte(`null`))
	require.Error(t, err)
	_, err = common.DecodeObject([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestFirstString(t *testing.T) {
	obj := map[string]any{"a": "", "b": "  x ", "c": "y"}
	require.Equal(t, "x", common.FirstString(obj, "a", "b", "c"))
	require.Empty(t, common.FirstString(obj, "missing"))
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, common.StatusFor(common.ConfigErrorf("no key")))
	require.Equal(t, http.StatusUnauthorized, common.StatusFor(fmt.Errorf("wrap: %w", common.ErrAuthentication)))
	require.Equal(t, http.StatusNotFound, common.StatusFor(common.ErrNotFound))
	require.Equal(t, http.StatusBadGateway, common.StatusFor(common.ErrRetryable))
	require.Equal(t, http.StatusInternalServerError, common.StatusFor(errors.New("boom")))
	require.Equal(t, http.StatusConflict, common.StatusFor(common.NewAppError("conflict", "x", http.StatusConflict, nil)))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", common.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", common.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "<script>")
	require.Equal(t, "10.0.0.1", common.ClientIP(req))
}

func TestJSONError(t *testing.T) {
	rr := httptest.NewRecorder()
	common.JSONError(rr, http.StatusBadRequest, "invalid_payload", "bad", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.JSONEq(t, `{"error":{"code":"invalid_payload","message":"bad"}}`, rr.Body.String())
}
