package identifier

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/shopspring/decimal"
)

const (
	DocumentKeyLength = 50
	CountryCode       = "506"
	IssuerIdLength    = 12

	SituationNormal      = "1"
	SituationContingency = "2"
	SituationNoInternet  = "3"

	securityCodeMin = 10000000
	securityCodeMax = 99999999
)

// EmissionZone is the authority's civil time; key dates are rendered in it.
var EmissionZone = time.FixedZone("UTC-6", -6*60*60)

// BuildDocumentKey assembles the 50-digit key. A key that already exists gets one
// fresh security code; a second collision is returned as an error.
func (g *Generator) BuildDocumentKey(ctx context.Context, tenant *models.Tenant, category models.DocumentCategory, sequenceNumber string, emission time.Time) (string, error) {
	if tenant == nil {
		return "", faults.Configuration("BuildDocumentKey", "tenant is required")
	}
	parts, err := ParseSequenceNumber(sequenceNumber)
	if err != nil {
		return "", faults.Invariant("BuildDocumentKey", "%v", err)
	}
	if parts.Category != category {
		return "", faults.Invariant("BuildDocumentKey", "sequence number category %s does not match %s", parts.Category, category)
	}
	issuer, err := FormatIssuerId(tenant.IssuerId)
	if err != nil {
		return "", err
	}
	situation := g.Situation
	if situation == "" {
		situation = SituationNormal
	}

	prefix := CountryCode + emission.In(EmissionZone).Format("020106") + issuer + sequenceNumber + situation
	for attempt := 0; attempt < 2; attempt++ {
		code, err := g.securityCode()
		if err != nil {
			return "", faults.Invariant("BuildDocumentKey", "security code: %v", err)
		}
		key := prefix + code
		exists, err := g.Store.ExistsByKey(ctx, key)
		if err != nil {
			return "", faults.Storage("ExistsByKey", err)
		}
		if !exists {
			return key, nil
		}
	}
	return "", faults.Invariant("BuildDocumentKey", "document key collided twice for sequence %s", sequenceNumber)
}

func (g *Generator) securityCode() (string, error) {
	if g.SecurityCode != nil {
		code, err := g.SecurityCode()
		if err != nil {
			return "", err
		}
		if !isDigits(code, 8) {
			return "", fmt.Errorf("security code must be 8 digits, got %q", code)
		}
		return code, nil
	}
	return RandomSecurityCode()
}

// RandomSecurityCode returns a uniformly random code in [10000000, 99999999].
func RandomSecurityCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(securityCodeMax-securityCodeMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()+securityCodeMin), nil
}

// FormatIssuerId strips formatting and left-pads a 9 to 12 digit tax id to 12.
func FormatIssuerId(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 9 || len(digits) > IssuerIdLength {
		return "", faults.Configuration("FormatIssuerId", "issuer id must have 9 to 12 digits, got %d", len(digits))
	}
	return strings.Repeat("0", IssuerIdLength-len(digits)) + digits, nil
}

type SequenceParts struct {
	Branch     string                  `json:"branch"`
	Terminal   string                  `json:"terminal"`
	Category   models.DocumentCategory `json:"category"`
	Sequential int64                   `json:"sequential"`
}

func ParseSequenceNumber(s string) (SequenceParts, error) {
	if !isDigits(s, SequenceNumberLength) {
		return SequenceParts{}, fmt.Errorf("sequence number must be %d digits", SequenceNumberLength)
	}
	return SequenceParts{
		Branch:     s[0:3],
		Terminal:   s[3:8],
		Category:   models.DocumentCategory(s[8:10]),
		Sequential: atoi64(s[10:20]),
	}, nil
}

type KeyParts struct {
	Country        string        `json:"country"`
	Day            string        `json:"day"`
	Month          string        `json:"month"`
	Year           string        `json:"year"`
	IssuerId       string        `json:"issuer_id"`
	SequenceNumber string        `json:"sequence_number"`
	Sequence       SequenceParts `json:"sequence"`
	Situation      string        `json:"situation"`
	SecurityCode   string        `json:"security_code"`
}

func ParseDocumentKey(key string) (KeyParts, error) {
	if !isDigits(key, DocumentKeyLength) {
		return KeyParts{}, fmt.Errorf("document key must be %d digits", DocumentKeyLength)
	}
	if key[0:3] != CountryCode {
		return KeyParts{}, fmt.Errorf("document key country must be %s, got %s", CountryCode, key[0:3])
	}
	switch key[41:42] {
	case SituationNormal, SituationContingency, SituationNoInternet:
	default:
		return KeyParts{}, fmt.Errorf("unknown emission situation %s", key[41:42])
	}
	seq, err := ParseSequenceNumber(key[21:41])
	if err != nil {
		return KeyParts{}, err
	}
	return KeyParts{
		Country:        key[0:3],
		Day:            key[3:5],
		Month:          key[5:7],
		Year:           key[7:9],
		IssuerId:       key[9:21],
		SequenceNumber: key[21:41],
		Sequence:       seq,
		Situation:      key[41:42],
		SecurityCode:   key[42:50],
	}, nil
}

func IsValidDocumentKey(key string) bool {
	_, err := ParseDocumentKey(key)
	return err == nil
}

// QRCodeData is the payload printed as a QR code on the document.
func QRCodeData(documentKey string, emission time.Time, total decimal.Decimal) string {
	return documentKey + "|" + emission.In(EmissionZone).Format("2006-01-02") + "|" + total.StringFixed(2)
}
