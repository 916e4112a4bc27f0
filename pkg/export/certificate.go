package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Certificate describes one verification result to be rendered as a
// downloadable document.
type Certificate struct {
	CountryCode          string
	VATNumber            string
	CheckedAt            time.Time
	Valid                *bool
	Name                 string
	Address              string
	ConsultationNumber   string
	RequesterCountryCode string
	RequesterVATNumber   string
}

// CertificateExporter renders verification certificates as PDF documents.
type CertificateExporter struct{}

// NewCertificateExporter constructs a certificate exporter.
func NewCertificateExporter() *CertificateExporter {
	return &CertificateExporter{}
}

// Render produces the PDF bytes for a certificate.
func (e *CertificateExporter) Render(cert Certificate) ([]byte, error) {
	if cert.CountryCode == "" || cert.VATNumber == "" {
		return nil, fmt.Errorf("certificate requires a country code and VAT number")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 25, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "VAT NUMBER VERIFICATION CERTIFICATE", "", 1, "C", false, 0, "")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 11)
	writeField(pdf, "VAT number", cert.CountryCode+" "+cert.VATNumber)
	writeField(pdf, "Verification date", cert.CheckedAt.Format("2006-01-02 15:04 MST"))
	writeField(pdf, "Result", validityLabel(cert.Valid))
	if cert.Name != "" {
		writeField(pdf, "Name", cert.Name)
	}
	if cert.Address != "" {
		writeField(pdf, "Address", cert.Address)
	}
	if cert.ConsultationNumber != "" {
		writeField(pdf, "Consultation number", cert.ConsultationNumber)
	}
	if cert.RequesterCountryCode != "" && cert.RequesterVATNumber != "" {
		writeField(pdf, "Requester VAT number", cert.RequesterCountryCode+" "+cert.RequesterVATNumber)
	}

	pdf.Ln(10)
	pdf.SetFont("Arial", "I", 9)
	pdf.MultiCell(0, 5, "This document certifies the outcome of a VAT number verification performed "+
		"against the official registry at the date stated above. The result reflects the registry "+
		"state at verification time only.", "", "L", false)

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func writeField(pdf *gofpdf.Fpdf, label, value string) {
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(55, 8, label, "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.MultiCell(0, 8, value, "", "L", false)
}

func validityLabel(valid *bool) string {
	switch {
	case valid == nil:
		return "UNKNOWN"
	case *valid:
		return "VALID"
	default:
		return "INVALID"
	}
}
