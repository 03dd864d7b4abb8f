package quicl

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

const alpnProto = "srt-quicl"

// generateListenerTLSConfig builds a bare-bones TLS config around a fresh
// self-signed certificate. Dialers are expected to skip verification.
func generateListenerTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.WithError(err).Fatal("Error generating private key")
	}

	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		log.WithError(err).Fatal("Error generating certificate")
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.WithError(err).Fatal("Error generating combined certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}
}

// generateDialerTLSConfig assumes a self-signed listener certificate and
// does not verify it.
func generateDialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
	}
}

func generateQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: time.Second,
		MaxIdleTimeout:  5 * time.Second,
	}
}
