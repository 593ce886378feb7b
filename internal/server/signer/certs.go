package signer

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	"github.com/dmitrijs2005/remotesettings/internal/common"
)

// parseLeafCertificate returns the first certificate of a PEM chain.
func parseLeafCertificate(chain []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, chain = pem.Decode(chain)
		if block == nil {
			return nil, errors.New("no certificate found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// Threshold is the remaining lifetime under which cert is reported:
// max(MinDays, min(MaxDays, lifespan*Percent/100)).
func (p ExpirePolicy) Threshold(cert *x509.Certificate) time.Duration {
	lifespan := cert.NotAfter.Sub(cert.NotBefore)
	t := lifespan / 100 * time.Duration(p.Percent)
	if maxT := days(p.MaxDays); t > maxT {
		t = maxT
	}
	if minT := days(p.MinDays); t < minT {
		t = minT
	}
	return t
}

// Check returns common.ErrCertificateExpiringSoon when cert expires
// within the threshold.
func (p ExpirePolicy) Check(cert *x509.Certificate, now time.Time) error {
	remaining := cert.NotAfter.Sub(now)
	if remaining <= p.Threshold(cert) {
		return common.ErrCertificateExpiringSoon.WithMessagef(
			"certificate %q expires on %s", cert.Subject.CommonName, cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
