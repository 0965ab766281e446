package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/archive"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/canonical"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/curve"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/events"
)

type TrainingResponse struct {
	Success         bool          `json:"success"`
	ModelID         string        `json:"modelId"`
	ModelPath       string        `json:"modelPath"`
	ModelSummary    curve.Summary `json:"modelSummary"`
	TrainingHistory []curve.Epoch `json:"trainingHistory"`
	ConfigChecksum  string        `json:"configChecksum"`
	Signature       string        `json:"signature,omitempty"`
	SignerID        string        `json:"signerId,omitempty"`
	Message         string        `json:"message"`
}

// signedManifest is what the signature covers.
type signedManifest struct {
	ModelID        string        `json:"modelId"`
	ConfigChecksum string        `json:"configChecksum"`
	ModelSummary   curve.Summary `json:"modelSummary"`
}

// ManifestDigest is the sha256 over the canonical manifest of a response.
func ManifestDigest(resp TrainingResponse) ([]byte, error) {
	b, err := canonical.Marshal(signedManifest{
		ModelID:        resp.ModelID,
		ConfigChecksum: resp.ConfigChecksum,
		ModelSummary:   resp.ModelSummary,
	})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// Train fabricates a training run, signs its manifest and archives it.
func (s *Service) Train(ctx context.Context, cfg curve.Config) (TrainingResponse, error) {
	res, err := s.synth.Synthesize(ctx, cfg)
	if err != nil {
		return TrainingResponse{}, err
	}
	checksum, _, err := canonical.Checksum(res.Config)
	if err != nil {
		return TrainingResponse{}, fmt.Errorf("config checksum: %w", err)
	}
	resp := TrainingResponse{
		Success:         true,
		ModelID:         res.ModelID,
		ModelSummary:    res.Summary,
		TrainingHistory: res.History,
		ConfigChecksum:  checksum,
		Message:         "Model trained successfully",
	}

	if s.signer != nil {
		digest, err := ManifestDigest(resp)
		if err != nil {
			return TrainingResponse{}, fmt.Errorf("manifest digest: %w", err)
		}
		sig, err := s.signer.Sign(ctx, digest)
		if err != nil {
			return TrainingResponse{}, fmt.Errorf("sign training manifest: %w", err)
		}
		resp.Signature = base64.StdEncoding.EncodeToString(sig)
		resp.SignerID = s.signer.SignerID()
	}

	resp.ModelPath = archive.LocalPath(resp.ModelID)
	uri, err := s.archiver.Archive(ctx, archive.Document{
		ModelID: resp.ModelID,
		TS:      time.Now().UTC(),
		Body:    resp,
	})
	if err != nil {
		s.logger.Warn("archive training result", zap.String("model_id", resp.ModelID), zap.Error(err))
	} else {
		resp.ModelPath = uri
	}

	s.publish(ctx, events.TypeTrainingCompleted, resp.ModelID, map[string]interface{}{
		"modelId":        resp.ModelID,
		"modelPath":      resp.ModelPath,
		"taskType":       resp.ModelSummary.TaskType,
		"finalAccuracy":  resp.ModelSummary.FinalAccuracy,
		"finalLoss":      resp.ModelSummary.FinalLoss,
		"configChecksum": resp.ConfigChecksum,
	})
	return resp, nil
}

type TrainingStatus struct {
	ModelID string `json:"modelId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TrainingStatusFor reports a model as completed; synthesis is synchronous so
// any issued model id belongs to a finished run.
func (s *Service) TrainingStatusFor(modelID string) (TrainingStatus, error) {
	if modelID == "" {
		return TrainingStatus{}, validationError("modelId required")
	}
	return TrainingStatus{
		ModelID: modelID,
		Status:  "completed",
		Message: "Model training completed successfully",
	}, nil
}

func (s *Service) TrainingCatalog() curve.Catalog {
	return curve.NewCatalog()
}
