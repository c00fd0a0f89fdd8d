package workflow

import (
	"fmt"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/models"
	"gorm.io/gorm"
)

// ContentionKey names the advisory lock a record must hold while matching.
// Records carrying the business order number contend on it directly; the
// rest contend on their machine within the matching time bucket, so two
// instances cannot race the same create-or-merge decision.
func ContentionKey(anchors models.RecordAnchors, window time.Duration) string {
	if anchors.OrderNumber != "" {
		return fmt.Sprintf("match:order:%s", anchors.OrderNumber)
	}
	bucket := anchors.Timestamp.UTC().Truncate(window).Unix()
	return fmt.Sprintf("match:machine:%s:%d", anchors.MachineCode, bucket)
}

// AcquireMatchLock serializes matching per contention key across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will run the merge transaction.
func AcquireMatchLock(tx *gorm.DB, key string) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", key).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire match lock for key=%s", key)
	}
	return nil
}

func ReleaseMatchLock(tx *gorm.DB, key string) {
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", key).Scan(&_ok).Error
}
