package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificateRender(t *testing.T) {
	valid := true
	exporter := NewCertificateExporter()

	payload, err := exporter.Render(Certificate{
		CountryCode:          "DE",
		VATNumber:            "123456789",
		CheckedAt:            time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		Valid:                &valid,
		Name:                 "ACME GmbH",
		Address:              "Hauptstrasse 1, Berlin",
		ConsultationNumber:   "WAPIAAAAX",
		RequesterCountryCode: "FR",
		RequesterVATNumber:   "12345678901",
	})
	require.NoError(t, err)
	assert.True(t, len(payload) > 500)
	assert.Equal(t, "%PDF", string(payload[:4]))
}

func TestCertificateRenderRequiresIdentity(t *testing.T) {
	_, err := NewCertificateExporter().Render(Certificate{CountryCode: "DE"})
	require.Error(t, err)
}

func TestValidityLabel(t *testing.T) {
	valid := true
	invalid := false
	assert.Equal(t, "UNKNOWN", validityLabel(nil))
	assert.Equal(t, "VALID", validityLabel(&valid))
	assert.Equal(t, "INVALID", validityLabel(&invalid))
}

func TestCSVRender(t *testing.T) {
	payload, err := NewCSVExporter().Render(Dataset{
		Headers: []string{"country", "vat_number"},
		Rows:    []map[string]string{{"country": "FR", "vat_number": "123"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "country,vat_number\nFR,123\n", string(payload))
}
