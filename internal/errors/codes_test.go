package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestAssetError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *AssetError
		want codes.Code
	}{
		{"lock timeout", LockTimeout("A-1", time.Second, 3, "msg"), codes.DeadlineExceeded},
		{"lock failed", LockFailed("A-1", fmt.Errorf("EACCES")), codes.Internal},
		{"lock not held", LockNotHeld("A-1"), codes.FailedPrecondition},
		{"version failed", VersionFailed("A-1", "hash", nil), codes.Internal},
		{"vision timeout", VisionTimeout("b", 3, nil), codes.DeadlineExceeded},
		{"circuit open", CircuitOpen("b", 3, "msg"), codes.Unavailable},
		{"checkpoint missing", CheckpointNotFound("b"), codes.NotFound},
		{"checkpoint invalid", CheckpointInvalid("b", nil), codes.DataLoss},
		{"cache corrupted", CacheCorrupted("/x", nil), codes.DataLoss},
		{"disk full", DiskFull(99, 10), codes.ResourceExhausted},
		{"invalid asset", InvalidAssetID("", "empty"), codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
			assert.Equal(t, tt.want, GRPCCode(tt.err))
		})
	}
}

func TestGetCode_ThroughWrapping(t *testing.T) {
	base := LockFailed("A-1", fmt.Errorf("disk full"))
	wrapped := fmt.Errorf("versioning: %w", base)

	assert.Equal(t, ErrCodeLockFailed, GetCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeLockFailed))
	assert.False(t, IsCode(wrapped, ErrCodeLockTimeout))
	assert.True(t, IsAssetError(wrapped))
	assert.True(t, stderrors.Is(wrapped, &AssetError{Code: ErrCodeLockFailed}))

	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, codes.Internal, GRPCCode(fmt.Errorf("plain")))
}

func TestAssetError_MessageIncludesCause(t *testing.T) {
	err := VersionFailed("A-014", "hashing candidate", fmt.Errorf("no such file"))
	assert.Equal(t, "versioning asset A-014: hashing candidate: no such file", err.Error())
	assert.Equal(t, "A-014", err.Details["asset_id"])
	assert.Equal(t, "VERSION_FAILED", err.Code.String())
}
