// Package certmgr scans, validates and provisions TLS certificates for the
// device fleet.
//
// Scanning connects with verification disabled on purpose: fleet devices
// ship self-signed certificates out of the box, and the point of the scan
// is to see exactly what each device presents. Validation is then applied
// to the parsed certificate, and self-signed leaves are captured to disk so
// they can be folded into a local CA bundle.
package certmgr

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/camward/camward/pkg/models"
)

const (
	httpsPort   = 443
	dialTimeout = 5 * time.Second

	selfSignedValidity = 365 * 24 * time.Hour
	bundleName         = "ca-bundle.crt"
)

// ErrNoPeerCertificate reports a TLS session that completed without the
// server presenting a leaf certificate.
var ErrNoPeerCertificate = errors.New("certmgr: server presented no certificate")

// Certificate is the parsed and validated view of a device's TLS leaf.
// The JSON field names are the wire format of certificate_report.json.
type Certificate struct {
	Subject          string    `json:"subject"`
	Issuer           string    `json:"issuer"`
	SerialNumber     string    `json:"serial_number"`
	NotBefore        time.Time `json:"not_before"`
	NotAfter         time.Time `json:"not_after"`
	Fingerprint      string    `json:"fingerprint"`
	IsSelfSigned     bool      `json:"is_self_signed"`
	IsValid          bool      `json:"is_valid"`
	ValidationErrors []string  `json:"validation_errors"`
	SANNames         []string  `json:"san_names"`
	KeyUsage         []string  `json:"key_usage"`
	DaysUntilExpiry  int       `json:"days_until_expiry"`

	raw []byte // DER, kept for PEM persistence
}

// Manager owns the certificate directory and the scan state.
type Manager struct {
	certDir string
	logger  *zap.Logger

	// systemBundle is the CA file prepended to generated bundles. Empty or
	// missing is tolerated.
	systemBundle string

	httpsPort int
	now       func() time.Time
}

// New creates the certificate directory if needed and returns a Manager.
func New(certDir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return nil, fmt.Errorf("create certificate dir: %w", err)
	}
	return &Manager{
		certDir:      certDir,
		logger:       logger.Named("certmgr"),
		systemBundle: "/etc/ssl/certs/ca-certificates.crt",
		httpsPort:    httpsPort,
		now:          time.Now,
	}, nil
}

// ScanCertificates fetches and validates the HTTPS certificate of every
// device. Unreachable devices are skipped; self-signed leaves are written
// to the certificate directory as <host>.crt.
func (m *Manager) ScanCertificates(ctx context.Context, devices []models.Device) map[string]*Certificate {
	certs := make(map[string]*Certificate)

	for _, dev := range devices {
		cert, err := m.GetServerCertificate(ctx, dev.IP, m.httpsPort)
		if err != nil {
			m.logger.Warn("certificate scan failed",
				zap.String("ip", dev.IP), zap.Error(err))
			continue
		}
		certs[dev.IP] = cert

		if cert.IsSelfSigned {
			if err := m.saveCertificate(dev.IP, cert); err != nil {
				m.logger.Warn("persist self-signed certificate",
					zap.String("ip", dev.IP), zap.Error(err))
			}
		}
	}

	m.logger.Info("certificate scan complete", zap.Int("scanned", len(certs)))
	return certs
}

// GetServerCertificate retrieves and parses the leaf certificate presented
// by host:port. Verification is disabled for the handshake; validity is
// judged afterwards by parseCertificate.
func (m *Manager) GetServerCertificate(ctx context.Context, host string, port int) (*Certificate, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec
			ServerName:         host,
		},
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", addr, err)
	}
	defer conn.Close()

	peers := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, ErrNoPeerCertificate
	}
	return m.parseCertificate(peers[0], host), nil
}

// parseCertificate extracts the report fields and applies the validity
// policy: time window plus a hostname match against SAN names and the
// subject common name.
func (m *Manager) parseCertificate(cert *x509.Certificate, host string) *Certificate {
	sum := sha256.Sum256(cert.Raw)

	san := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	san = append(san, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		san = append(san, ip.String())
	}

	var usage []string
	if cert.KeyUsage&x509.KeyUsageDigitalSignature != 0 {
		usage = append(usage, "Digital Signature")
	}
	if cert.KeyUsage&x509.KeyUsageKeyEncipherment != 0 {
		usage = append(usage, "Key Encipherment")
	}
	if cert.KeyUsage&x509.KeyUsageKeyAgreement != 0 {
		usage = append(usage, "Key Agreement")
	}

	now := m.now().UTC()
	errs := []string{}
	if now.Before(cert.NotBefore) {
		errs = append(errs, "Certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		errs = append(errs, "Certificate expired")
	}
	if !slices.Contains(san, host) && host != cert.Subject.CommonName {
		errs = append(errs, fmt.Sprintf("Hostname %s not in certificate", host))
	}

	return &Certificate{
		Subject:          cert.Subject.CommonName,
		Issuer:           cert.Issuer.CommonName,
		SerialNumber:     cert.SerialNumber.String(),
		NotBefore:        cert.NotBefore,
		NotAfter:         cert.NotAfter,
		Fingerprint:      hex.EncodeToString(sum[:]),
		IsSelfSigned:     cert.Subject.String() == cert.Issuer.String(),
		IsValid:          len(errs) == 0,
		ValidationErrors: errs,
		SANNames:         san,
		KeyUsage:         usage,
		DaysUntilExpiry:  int(cert.NotAfter.Sub(now).Hours() / 24),
		raw:              cert.Raw,
	}
}

// saveCertificate writes the leaf as PEM to <certDir>/<host>.crt.
func (m *Manager) saveCertificate(host string, cert *Certificate) error {
	path := filepath.Join(m.certDir, host+".crt")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.raw}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	m.logger.Info("saved device certificate",
		zap.String("host", host), zap.String("path", path))
	return nil
}

// GenerateSelfSigned creates an RSA-2048 self-signed server certificate for
// hostname, valid for one year, and writes <hostname>.crt and
// <hostname>.key into the certificate directory.
func (m *Manager) GenerateSelfSigned(hostname string, ipAddresses []string) (certPath, keyPath string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial: %w", err)
	}

	now := m.now().UTC()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:      []string{"US"},
			Province:     []string{"California"},
			Locality:     []string{"San Francisco"},
			Organization: []string{"Camward"},
			CommonName:   hostname,
		},
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{hostname},
	}
	for _, raw := range ipAddresses {
		if ip := net.ParseIP(raw); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}

	certPath = filepath.Join(m.certDir, hostname+".crt")
	keyPath = filepath.Join(m.certDir, hostname+".key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write key: %w", err)
	}

	m.logger.Info("generated self-signed certificate",
		zap.String("hostname", hostname), zap.String("cert", certPath))
	return certPath, keyPath, nil
}

// CreateCABundle concatenates the system CA bundle with every captured
// device certificate into <certDir>/ca-bundle.crt. Each appended
// certificate is preceded by a comment line naming its file.
func (m *Manager) CreateCABundle(includeSelfSigned bool) (string, error) {
	bundlePath := filepath.Join(m.certDir, bundleName)

	out, err := os.Create(bundlePath)
	if err != nil {
		return "", fmt.Errorf("create bundle: %w", err)
	}
	defer out.Close()

	if system, err := os.ReadFile(m.systemBundle); err == nil {
		if _, err := out.Write(system); err != nil {
			return "", fmt.Errorf("write bundle: %w", err)
		}
	} else {
		m.logger.Warn("system CA bundle unavailable",
			zap.String("path", m.systemBundle), zap.Error(err))
	}

	if includeSelfSigned {
		fmt.Fprintf(out, "\n# Camward Self-Signed Certificates\n")

		files, err := filepath.Glob(filepath.Join(m.certDir, "*.crt"))
		if err != nil {
			return "", fmt.Errorf("list certificates: %w", err)
		}
		for _, file := range files {
			name := filepath.Base(file)
			if name == bundleName {
				continue
			}
			content, err := os.ReadFile(file)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", name, err)
			}
			fmt.Fprintf(out, "\n# %s\n", name)
			if _, err := out.Write(content); err != nil {
				return "", fmt.Errorf("write bundle: %w", err)
			}
		}
	}

	m.logger.Info("created CA bundle", zap.String("path", bundlePath))
	return bundlePath, nil
}

// ExpiringCert identifies one device certificate inside the warning window.
type ExpiringCert struct {
	Camera          string `json:"camera"`
	IP              string `json:"ip"`
	DaysUntilExpiry int    `json:"days_until_expiry"`
	Expires         string `json:"expires"`
	Subject         string `json:"subject"`
}

// MonitorExpiry re-fetches each device certificate and reports those
// expiring within warningDays. Already-expired certificates report a
// negative day count.
func (m *Manager) MonitorExpiry(ctx context.Context, devices []models.Device, warningDays int) []ExpiringCert {
	var expiring []ExpiringCert

	for _, dev := range devices {
		cert, err := m.GetServerCertificate(ctx, dev.IP, m.httpsPort)
		if err != nil {
			continue
		}
		if cert.DaysUntilExpiry >= warningDays {
			continue
		}

		expiring = append(expiring, ExpiringCert{
			Camera:          dev.Name,
			IP:              dev.IP,
			DaysUntilExpiry: cert.DaysUntilExpiry,
			Expires:         cert.NotAfter.Format(time.RFC3339),
			Subject:         cert.Subject,
		})
		m.logger.Warn("certificate expiring",
			zap.String("camera", dev.Name),
			zap.String("ip", dev.IP),
			zap.Int("days_until_expiry", cert.DaysUntilExpiry),
		)
	}
	return expiring
}

// TLSConfig builds a client TLS configuration. With verify set, an optional
// CA bundle path replaces the system roots; without it, verification is
// skipped entirely. Either way nothing below TLS 1.2 is offered.
func (m *Manager) TLSConfig(verify bool, caBundle string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if !verify {
		cfg.InsecureSkipVerify = true //nolint:gosec
		return cfg, nil
	}
	if caBundle != "" {
		pool := x509.NewCertPool()
		raw, err := os.ReadFile(caBundle)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(raw) {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", caBundle)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
