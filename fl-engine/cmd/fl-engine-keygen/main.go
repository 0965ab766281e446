package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/auth"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/config"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/service"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// fl-engine-keygen prints a fresh signer key, issues an operator token, or
// verifies the signature on a saved training response.
func main() {
	tokenFor := flag.String("token", "", "issue an HS256 token for this subject using FL_ENGINE_JWT_SECRET")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	verify := flag.String("verify", "", "path of a training response JSON to verify")
	pubB64 := flag.String("pub", "", "base64 ed25519 public key used with -verify")
	flag.Parse()

	switch {
	case *verify != "":
		must(verifyResponse(*verify, *pubB64))
	case *tokenFor != "":
		v := auth.NewVerifier(config.Config{JWTSecret: os.Getenv("FL_ENGINE_JWT_SECRET")})
		tok, err := v.IssueToken(*tokenFor, *ttl)
		must(err)
		fmt.Println(tok)
	default:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		must(err)
		fmt.Printf("FL_ENGINE_SIGNER_KEY_B64=%s\n", base64.StdEncoding.EncodeToString(priv))
		fmt.Printf("# public key: %s\n", base64.StdEncoding.EncodeToString(pub))
	}
}

func verifyResponse(path, pubB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("-pub must be a base64 ed25519 public key")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var resp service.TrainingResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest, err := service.ManifestDigest(resp)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
		return fmt.Errorf("signature does not match model %s", resp.ModelID)
	}
	fmt.Printf("ok: %s signed by %s\n", resp.ModelID, resp.SignerID)
	return nil
}
