package client

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vatwatch/vatwatch-api/internal/models"
)

func newTestClient() *RecheckClient {
	return NewRecheckClient("http://recheck.test", "secret-token", 5*time.Second, nil)
}

func TestTriggerSendsEntryIdentity(t *testing.T) {
	c := newTestClient()
	httpmock.ActivateNonDefault(c.httpClient)
	defer httpmock.DeactivateAndReset()

	requester := "DE811569869"
	requesterCC := "DE"

	var got recheckRequest
	httpmock.RegisterResponder(http.MethodPost, "http://recheck.test/checks",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			return httpmock.NewJsonResponse(http.StatusAccepted, map[string]string{"status": "queued"})
		})

	entry := &models.MonitoredEntry{
		UUID:                 "entry-1",
		CountryCode:          "FR",
		VATNumber:            "40303265045",
		RequesterCountryCode: &requesterCC,
		RequesterVATNumber:   &requester,
	}

	err := c.Trigger(context.Background(), entry)
	require.NoError(t, err)

	assert.Equal(t, "entry-1", got.EntryUUID)
	assert.Equal(t, "FR", got.CountryCode)
	assert.Equal(t, "40303265045", got.VATNumber)
	require.NotNil(t, got.RequesterCountryCode)
	assert.Equal(t, "DE", *got.RequesterCountryCode)
}

func TestTriggerOmitsRequesterWhenAbsent(t *testing.T) {
	c := newTestClient()
	httpmock.ActivateNonDefault(c.httpClient)
	defer httpmock.DeactivateAndReset()

	var raw map[string]interface{}
	httpmock.RegisterResponder(http.MethodPost, "http://recheck.test/checks",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&raw))
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	err := c.Trigger(context.Background(), &models.MonitoredEntry{
		UUID:        "entry-2",
		CountryCode: "BE",
		VATNumber:   "0417497106",
	})
	require.NoError(t, err)

	_, hasRequester := raw["requester_country_code"]
	assert.False(t, hasRequester)
}

func TestTriggerBackendError(t *testing.T) {
	c := newTestClient()
	httpmock.ActivateNonDefault(c.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://recheck.test/checks",
		httpmock.NewStringResponder(http.StatusBadGateway, `{"error":"registry unavailable"}`))

	err := c.Trigger(context.Background(), &models.MonitoredEntry{
		UUID:        "entry-3",
		CountryCode: "FR",
		VATNumber:   "40303265045",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
