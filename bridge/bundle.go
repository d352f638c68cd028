package bridge

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"meshbridge/codec"
	"meshbridge/models"
)

// Pack partitions messages into bundles in arrival order. Each bundle's serialized
// size stays within maxBytes unless a single message alone exceeds it, in which case
// that message forms its own bundle.
func Pack(messages []models.MeshMessage, maxBytes int, region string, now time.Time) ([]models.MessageBundle, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("bundle size ceiling must be positive, got %d", maxBytes)
	}

	var (
		bundles []models.MessageBundle
		current models.MessageBundle
		base    int
		sum     int
	)
	open := func() error {
		current = models.MessageBundle{
			BundleID:  uuid.NewString(),
			CreatedAt: now.UnixMilli(),
			Region:    region,
			Messages:  []models.MeshMessage{},
		}
		empty, err := codec.EncodeBundle(current)
		if err != nil {
			return err
		}
		// The empty messages array costs one header byte.
		base = len(empty) - 1
		sum = 0
		return nil
	}
	closeCurrent := func() error {
		if len(current.Messages) == 0 {
			return nil
		}
		encoded, err := codec.EncodeBundle(current)
		if err != nil {
			return err
		}
		current.Size = len(encoded)
		bundles = append(bundles, current)
		return nil
	}

	if err := open(); err != nil {
		return nil, err
	}
	for _, msg := range messages {
		encoded, err := codec.EncodeMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("pack message %s: %w", msg.ID, err)
		}
		projected := base + cborHeadLen(len(current.Messages)+1) + sum + len(encoded)
		if len(current.Messages) > 0 && projected > maxBytes {
			if err := closeCurrent(); err != nil {
				return nil, err
			}
			if err := open(); err != nil {
				return nil, err
			}
		}
		current.Messages = append(current.Messages, msg.Clone())
		sum += len(encoded)
	}
	if err := closeCurrent(); err != nil {
		return nil, err
	}
	return bundles, nil
}

// BundleHash is the hex blake2b-256 digest of a serialized bundle.
func BundleHash(serialized []byte) string {
	sum := blake2b.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// cborHeadLen is the size of a CBOR array header for n items.
func cborHeadLen(n int) int {
	switch {
	case n < 24:
		return 1
	case n <= 0xff:
		return 2
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	default:
		return 9
	}
}
