package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/devrev/assetstore/internal/errors"
	"github.com/go-playground/validator/v10"
)

const (
	// Size limits
	MaxAssetIDSize = 200
	MaxKeySize     = 1024 // 1 KB
)

var (
	structValidator *validator.Validate
	validatorOnce   sync.Once

	batchIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

	// Version slots are named {assetId}-v{n}
	versionSuffix = regexp.MustCompile(`-v[0-9]+$`)
)

// Struct validates v against its `validate:` tags
func Struct(v interface{}) error {
	validatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator.Struct(v)
}

// ValidateAssetID validates an asset identifier before it is used as a file name
func ValidateAssetID(assetID string) error {
	if assetID == "" {
		return errors.InvalidAssetID(assetID, "asset ID cannot be empty")
	}

	if len(assetID) > MaxAssetIDSize {
		return errors.InvalidAssetID(assetID, fmt.Sprintf("asset ID exceeds maximum size of %d bytes", MaxAssetIDSize))
	}

	// The id becomes a file name directly under the assets directory
	if strings.ContainsAny(assetID, `/\`) {
		return errors.InvalidAssetID(assetID, "asset ID cannot contain path separators")
	}
	if assetID == "." || strings.Contains(assetID, "..") {
		return errors.InvalidAssetID(assetID, "asset ID cannot contain '..'")
	}

	if strings.HasSuffix(assetID, ".lock") {
		return errors.InvalidAssetID(assetID, "asset ID cannot end in .lock")
	}
	if versionSuffix.MatchString(assetID) {
		return errors.InvalidAssetID(assetID, "asset ID cannot end in a version suffix like -v2")
	}

	for _, r := range assetID {
		if unicode.IsControl(r) {
			return errors.InvalidAssetID(assetID, "asset ID cannot contain control characters")
		}
	}

	return nil
}

// ValidateCacheKey validates a cache key
func ValidateCacheKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if len(key) > MaxKeySize {
		return errors.InvalidKey(key, fmt.Sprintf("key exceeds maximum size of %d bytes", MaxKeySize))
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return errors.InvalidKey(key, "key cannot contain control characters")
		}
	}

	return nil
}

// SanitizeBatchID replaces every character outside [A-Za-z0-9_-] with '_'
func SanitizeBatchID(batchID string) string {
	return batchIDUnsafe.ReplaceAllString(batchID, "_")
}
