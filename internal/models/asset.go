// Package models defines data structures shared by the asset validation tracker.
package models

import (
	"fmt"
	"strings"
)

// AssetKind identifies what a batch of files represents on the platform.
// The tracker itself is kind-agnostic; the kind only selects endpoints and
// which per-file hints are accepted.
type AssetKind string

const (
	KindDataset  AssetKind = "dataset"
	KindModel    AssetKind = "model"
	KindPipeline AssetKind = "pipeline"
)

// AllKinds lists the supported asset kinds in display order.
var AllKinds = []AssetKind{KindDataset, KindModel, KindPipeline}

// ParseAssetKind converts user input ("Dataset", "models", ...) into an AssetKind.
func ParseAssetKind(s string) (AssetKind, error) {
	k := AssetKind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown asset kind %q (expected dataset, model or pipeline)", s)
}

// Plural returns the collection name used in endpoint paths ("datasets").
func (k AssetKind) Plural() string {
	return string(k) + "s"
}

// Hint classifies a single file inside a pipeline batch.
type Hint string

const (
	HintModel   Hint = "model"
	HintDataset Hint = "dataset"
	HintCode    Hint = "code"
)

// ValidHint reports whether h is a recognised classification hint.
func ValidHint(h Hint) bool {
	switch h {
	case HintModel, HintDataset, HintCode:
		return true
	}
	return false
}

// AcceptsHints reports whether batches of this kind carry per-file hints.
func (k AssetKind) AcceptsHints() bool {
	return k == KindPipeline
}
