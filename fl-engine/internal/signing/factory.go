package signing

import (
	"fmt"
	"time"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/config"
)

// NewSignerFromConfig prefers the KMS, then a configured key. Outside
// production an ephemeral key is used when neither is set.
func NewSignerFromConfig(cfg config.Config) (Signer, error) {
	if cfg.KMSEndpoint != "" {
		return NewKMSSigner(KMSSignerConfig{
			Endpoint: cfg.KMSEndpoint,
			Timeout:  5 * time.Second,
			Retries:  2,
			SignerID: cfg.SignerID,
		})
	}
	if cfg.SignerKeyB64 != "" {
		return NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
	}
	if cfg.Production() {
		return nil, fmt.Errorf("signer key or kms endpoint required in production")
	}
	return NewEphemeralSigner(cfg.SignerID)
}
