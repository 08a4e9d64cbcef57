package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"gorm.io/gorm"
)

// userColumnRef one table column referencing a relay user
type userColumnRef struct {
	// Table the referencing table
	Table string
	// Column the user ID column
	Column string
	// KeyColumns columns forming the table's natural key alongside Column;
	// source rows colliding with an existing target row are dropped before
	// repointing, keeping the target's copy
	KeyColumns []string
}

// userColumnRegistry every table column that points at relay_users.user_id.
// New user scoped tables must be added here or MergeUsers will strand rows.
// Bearer tokens are deliberately absent; MergeUsers revokes the source
// user's tokens instead of repointing them.
var userColumnRegistry = []userColumnRef{
	{Table: "shared_entries", Column: "user_id", KeyColumns: []string{"entry_id"}},
	{Table: "shared_reminders", Column: "user_id", KeyColumns: []string{"reminder_id"}},
	{Table: "user_status", Column: "user_id"},
	{Table: "friend_links", Column: "owner_id", KeyColumns: []string{"friend_id"}},
	{Table: "friend_links", Column: "friend_id", KeyColumns: []string{"owner_id"}},
}

// dropCollidingRows remove source rows whose repointed key already exists for target
func dropCollidingRows(tx *gorm.DB, ref userColumnRef, sourceID, targetID string) error {
	if len(ref.KeyColumns) == 0 {
		// Singleton per user; target's row wins outright
		return tx.Exec(
			fmt.Sprintf(
				"DELETE FROM %s WHERE %s = ? AND EXISTS (SELECT 1 FROM %s WHERE %s = ?)",
				ref.Table, ref.Column, ref.Table, ref.Column,
			),
			sourceID, targetID,
		).Error
	}

	matchKeys := ""
	for _, key := range ref.KeyColumns {
		matchKeys += fmt.Sprintf(" AND %s.%s = tgt.%s", ref.Table, key, key)
	}
	return tx.Exec(
		fmt.Sprintf(
			"DELETE FROM %s WHERE %s = ? AND EXISTS (SELECT 1 FROM %s tgt WHERE tgt.%s = ?%s)",
			ref.Table, ref.Column, ref.Table, ref.Column, matchKeys,
		),
		sourceID, targetID,
	).Error
}

/*
MergeUsers repoint every record from one user to another, then drop the source

	@param ctx context.Context - execution context
	@param sourceUserID string - the user being absorbed
	@param targetUserID string - the surviving user
*/
func (s *storeImpl) MergeUsers(
	ctx context.Context, sourceUserID string, targetUserID string,
) error {
	logTags := s.GetLogTagsForContext(ctx)

	if sourceUserID == targetUserID {
		return fmt.Errorf("cannot merge user '%s' into itself", sourceUserID)
	}

	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			for _, userID := range []string{sourceUserID, targetUserID} {
				var user UserDBEntry
				if err := tx.Where(&UserDBEntry{UserID: userID}).First(&user).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return fmt.Errorf("user '%s' [%w]", userID, ErrUnknownUser)
					}
					return err
				}
			}

			for _, ref := range userColumnRegistry {
				if err := dropCollidingRows(tx, ref, sourceUserID, targetUserID); err != nil {
					return fmt.Errorf(
						"failed to drop colliding rows in %s.%s [%w]", ref.Table, ref.Column, err,
					)
				}
				if err := tx.Exec(
					fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", ref.Table, ref.Column, ref.Column),
					targetUserID, sourceUserID,
				).Error; err != nil {
					return fmt.Errorf(
						"failed to repoint %s.%s [%w]", ref.Table, ref.Column, err,
					)
				}
			}

			// Merging may have produced links from the target to itself
			if err := tx.Exec(
				"DELETE FROM friend_links WHERE owner_id = friend_id",
			).Error; err != nil {
				return err
			}

			// Devices still holding the absorbed identity's tokens must
			// re-register under the surviving one
			if err := tx.Where(
				&UserTokenDBEntry{UserID: sourceUserID},
			).Delete(&UserTokenDBEntry{}).Error; err != nil {
				return err
			}

			return tx.Where(&UserDBEntry{UserID: sourceUserID}).Delete(&UserDBEntry{}).Error
		},
	); dbErr != nil {
		return fmt.Errorf(
			"failed to merge user '%s' into '%s' [%w]", sourceUserID, targetUserID, dbErr,
		)
	}

	log.WithFields(logTags).
		WithField("source", sourceUserID).
		WithField("target", targetUserID).
		Info("Merged relay users")
	return nil
}
