package relay

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidToken the presented bearer token matches no registered user
var ErrInvalidToken = errors.New("invalid token")

// ErrUnknownUser the referenced user is not registered
var ErrUnknownUser = errors.New("unknown user")

// bearerTokenLen random byte length of issued bearer tokens
const bearerTokenLen = 32

// Store the relay's authoritative shared state.
//
// Entry upserts are gated on `updated_at` so replaying a push batch is a
// no-op; this is what makes client push retries safe.
type Store interface {
	/*
		RegisterUser register a user, or reissue the token of an existing one

			@param ctx context.Context - execution context
			@param request models.RegisterRequest - registration parameters
			@returns the registration result carrying the bearer token
	*/
	RegisterUser(ctx context.Context, request models.RegisterRequest) (models.RegisterResponse, error)

	/*
		ResolveToken resolve a bearer token to its user

			@param ctx context.Context - execution context
			@param token string - the presented bearer token
			@returns the user, or ErrInvalidToken
	*/
	ResolveToken(ctx context.Context, token string) (UserDBEntry, error)

	/*
		UpsertEntries apply a pushed entry batch last-write-wins

			@param ctx context.Context - execution context
			@param userID string - the pushing user
			@param entries []models.WireEntry - the batch
			@returns number of entries applied, no-op duplicates excluded
	*/
	UpsertEntries(ctx context.Context, userID string, entries []models.WireEntry) (int, error)

	/*
		ListFriendHistory list shared history visible to a user

		The user's own entries come back under their own friend code; each
		friend's entries are filtered by the toggles that friend granted.

			@param ctx context.Context - execution context
			@param userID string - the pulling user
			@param since *time.Time - optional lower bound on `updated_at`
			@returns per friend shared history
	*/
	ListFriendHistory(
		ctx context.Context, userID string, since *time.Time,
	) ([]models.FriendHistory, error)

	/*
		SetShareSettings grant or adjust a sharing link from owner to friend

			@param ctx context.Context - execution context
			@param ownerID string - the user sharing their data
			@param friendID string - the user granted visibility
			@param share models.ShareSettings - the sharing toggles
	*/
	SetShareSettings(
		ctx context.Context, ownerID string, friendID string, share models.ShareSettings,
	) error

	/*
		UpsertStatus store a user's latest status summary

			@param ctx context.Context - execution context
			@param userID string - the pushing user
			@param report models.StatusReport - the status report
	*/
	UpsertStatus(ctx context.Context, userID string, report models.StatusReport) error

	/*
		GetStatus fetch a user's stored status summary

			@param ctx context.Context - execution context
			@param userID string - the user
			@returns the stored report
	*/
	GetStatus(ctx context.Context, userID string) (models.StatusReport, error)

	/*
		UpsertReminders apply a pushed reminder batch last-write-wins

		The next fire instant of each live reminder is recomputed on apply.

			@param ctx context.Context - execution context
			@param userID string - the pushing user
			@param reminders []models.WireReminder - the batch
			@returns number of reminders applied
	*/
	UpsertReminders(ctx context.Context, userID string, reminders []models.WireReminder) (int, error)

	/*
		ListReminders list a user's reminder schedules, tombstones included

			@param ctx context.Context - execution context
			@param userID string - the user
			@returns the schedules
	*/
	ListReminders(ctx context.Context, userID string) ([]models.WireReminder, error)

	/*
		MergeUsers repoint every record from one user to another, then drop the source

		Used by operators to heal duplicate registrations.

			@param ctx context.Context - execution context
			@param sourceUserID string - the user being absorbed
			@param targetUserID string - the surviving user
	*/
	MergeUsers(ctx context.Context, sourceUserID string, targetUserID string) error
}

// storeImpl implements Store
type storeImpl struct {
	goutils.Component

	persistence db.Client
	validator   *validator.Validate
}

/*
NewStore define new relay store

	@param ctx context.Context - execution context
	@param persistence db.Client - persistence layer client
	@returns store instance
*/
func NewStore(_ context.Context, persistence db.Client) (Store, error) {
	logTags := log.Fields{"package": "vitals", "module": "relay", "component": "relay-store"}

	return &storeImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		validator:   validator.New(),
	}, nil
}

// newBearerToken mint a random bearer token
func newBearerToken() (string, error) {
	buf := make([]byte, bearerTokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate bearer token [%w]", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashToken digest a bearer token for indexed lookup
func hashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

/*
RegisterUser register a user, or reissue the token of an existing one

	@param ctx context.Context - execution context
	@param request models.RegisterRequest - registration parameters
	@returns the registration result carrying the bearer token
*/
func (s *storeImpl) RegisterUser(
	ctx context.Context, request models.RegisterRequest,
) (models.RegisterResponse, error) {
	logTags := s.GetLogTagsForContext(ctx)

	if err := s.validator.Struct(&request); err != nil {
		return models.RegisterResponse{}, fmt.Errorf("invalid registration request [%w]", err)
	}

	token, err := newBearerToken()
	if err != nil {
		return models.RegisterResponse{}, err
	}

	result := models.RegisterResponse{
		Token:      token,
		FriendCode: request.FriendCode,
		UserID:     request.UserID,
	}

	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			now := time.Now().UTC()

			var existing UserDBEntry
			lookup := tx.Where(&UserDBEntry{UserID: request.UserID}).First(&existing)
			if lookup.Error == nil {
				// Known user; refresh the profile
				result.Reissued = true
				result.FriendCode = existing.FriendCode
				if err := tx.Model(&UserDBEntry{}).
					Where(&UserDBEntry{UserID: request.UserID}).
					Updates(map[string]interface{}{
						"display_name": request.DisplayName,
						"avatar_b64":   request.AvatarB64,
						"updated_at":   now,
					}).Error; err != nil {
					return err
				}
			} else {
				if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
					return lookup.Error
				}
				if err := tx.Create(&UserDBEntry{
					UserID:      request.UserID,
					FriendCode:  request.FriendCode,
					DisplayName: request.DisplayName,
					AvatarB64:   request.AvatarB64,
					CreatedAt:   now,
					UpdatedAt:   now,
				}).Error; err != nil {
					return err
				}
			}

			// One token per registering device. Earlier tokens stay valid so a
			// second device does not lock the first one out.
			return tx.Create(&UserTokenDBEntry{
				ID:        ulid.Make().String(),
				UserID:    request.UserID,
				TokenHash: hashToken(token),
				CreatedAt: now,
			}).Error
		},
	); dbErr != nil {
		return models.RegisterResponse{}, fmt.Errorf(
			"failed to register user '%s' [%w]", request.UserID, dbErr,
		)
	}

	log.WithFields(logTags).
		WithField("user_id", request.UserID).
		WithField("reissued", result.Reissued).
		Info("Registered relay user")
	return result, nil
}

/*
ResolveToken resolve a bearer token to its user

	@param ctx context.Context - execution context
	@param token string - the presented bearer token
	@returns the user, or ErrInvalidToken
*/
func (s *storeImpl) ResolveToken(ctx context.Context, token string) (UserDBEntry, error) {
	var user UserDBEntry
	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			var issued UserTokenDBEntry
			if err := tx.Where(
				&UserTokenDBEntry{TokenHash: hashToken(token)},
			).First(&issued).Error; err != nil {
				return err
			}
			return tx.Where(&UserDBEntry{UserID: issued.UserID}).First(&user).Error
		},
	); dbErr != nil {
		if errors.Is(dbErr, gorm.ErrRecordNotFound) {
			return UserDBEntry{}, ErrInvalidToken
		}
		return UserDBEntry{}, fmt.Errorf("failed to resolve token [%w]", dbErr)
	}
	return user, nil
}

/*
UpsertEntries apply a pushed entry batch last-write-wins

	@param ctx context.Context - execution context
	@param userID string - the pushing user
	@param entries []models.WireEntry - the batch
	@returns number of entries applied, no-op duplicates excluded
*/
func (s *storeImpl) UpsertEntries(
	ctx context.Context, userID string, entries []models.WireEntry,
) (int, error) {
	applied := 0
	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			for _, entry := range entries {
				var existing SharedEntryDBEntry
				lookup := tx.Where(
					&SharedEntryDBEntry{UserID: userID, EntryID: entry.EntryID},
				).First(&existing)

				row := SharedEntryDBEntry{
					UserID:     userID,
					EntryID:    entry.EntryID,
					MeasuredAt: entry.MeasuredAt,
					DateLocal:  entry.DateLocal,
					WeightKG:   entry.WeightKG,
					WaistCM:    entry.WaistCM,
					UpdatedAt:  entry.UpdatedAt,
					IsDeleted:  entry.IsDeleted,
				}

				if lookup.Error != nil {
					if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
						return lookup.Error
					}
					if err := tx.Create(&row).Error; err != nil {
						return err
					}
					applied++
					continue
				}

				// Strictly newer wins; a tie keeps the stored version
				if !entry.UpdatedAt.After(existing.UpdatedAt) {
					continue
				}
				if err := tx.Model(&SharedEntryDBEntry{}).
					Where(&SharedEntryDBEntry{UserID: userID, EntryID: entry.EntryID}).
					Select("measured_at", "date_local", "weight_kg", "waist_cm", "updated_at", "is_deleted").
					Updates(&row).Error; err != nil {
					return err
				}
				applied++
			}
			return nil
		},
	); dbErr != nil {
		return 0, fmt.Errorf("failed to upsert entry batch for '%s' [%w]", userID, dbErr)
	}
	return applied, nil
}

// loadUserEntries list one user's shared entries, optionally bounded by `since`
func loadUserEntries(tx *gorm.DB, userID string, since *time.Time) ([]SharedEntryDBEntry, error) {
	query := tx.Where(&SharedEntryDBEntry{UserID: userID})
	if since != nil {
		query = query.Where("updated_at >= ?", *since)
	}
	var rows []SharedEntryDBEntry
	if err := query.Order("updated_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// projectSharedEntries convert stored rows to the wire shape under sharing toggles
func projectSharedEntries(
	rows []SharedEntryDBEntry, share models.ShareSettings,
) []models.WireEntry {
	entries := make([]models.WireEntry, 0, len(rows))
	for _, row := range rows {
		wire := models.WireEntry{
			EntryID:    row.EntryID,
			MeasuredAt: row.MeasuredAt,
			DateLocal:  row.DateLocal,
			UpdatedAt:  row.UpdatedAt,
			IsDeleted:  row.IsDeleted,
		}
		if share.ShareWeight {
			wire.WeightKG = row.WeightKG
		}
		if share.ShareWaist {
			wire.WaistCM = row.WaistCM
		}
		entries = append(entries, wire)
	}
	return entries
}

/*
ListFriendHistory list shared history visible to a user

	@param ctx context.Context - execution context
	@param userID string - the pulling user
	@param since *time.Time - optional lower bound on `updated_at`
	@returns per friend shared history
*/
func (s *storeImpl) ListFriendHistory(
	ctx context.Context, userID string, since *time.Time,
) ([]models.FriendHistory, error) {
	var result []models.FriendHistory

	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			var self UserDBEntry
			if err := tx.Where(&UserDBEntry{UserID: userID}).First(&self).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrUnknownUser
				}
				return err
			}

			// The user's own records are always fully visible to them
			ownRows, err := loadUserEntries(tx, userID, since)
			if err != nil {
				return err
			}
			result = append(result, models.FriendHistory{
				FriendCode: self.FriendCode,
				Entries: projectSharedEntries(
					ownRows, models.ShareSettings{ShareWeight: true, ShareWaist: true},
				),
				ShareFromFriend: models.ShareSettings{ShareWeight: true, ShareWaist: true},
			})

			// Links where another user shares their data with this one
			var links []FriendLinkDBEntry
			if err := tx.Where(&FriendLinkDBEntry{FriendID: userID}).Find(&links).Error; err != nil {
				return err
			}
			for _, link := range links {
				var owner UserDBEntry
				if err := tx.Where(&UserDBEntry{UserID: link.OwnerID}).First(&owner).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						continue
					}
					return err
				}
				rows, err := loadUserEntries(tx, link.OwnerID, since)
				if err != nil {
					return err
				}
				share := models.ShareSettings{
					ShareWeight: link.ShareWeight,
					ShareWaist:  link.ShareWaist,
				}
				result = append(result, models.FriendHistory{
					FriendCode:      owner.FriendCode,
					Entries:         projectSharedEntries(rows, share),
					ShareFromFriend: share,
				})
			}
			return nil
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list shared history for '%s' [%w]", userID, dbErr)
	}

	return result, nil
}

/*
SetShareSettings grant or adjust a sharing link from owner to friend

	@param ctx context.Context - execution context
	@param ownerID string - the user sharing their data
	@param friendID string - the user granted visibility
	@param share models.ShareSettings - the sharing toggles
*/
func (s *storeImpl) SetShareSettings(
	ctx context.Context, ownerID string, friendID string, share models.ShareSettings,
) error {
	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			var existing FriendLinkDBEntry
			lookup := tx.Where(
				&FriendLinkDBEntry{OwnerID: ownerID, FriendID: friendID},
			).First(&existing)
			if lookup.Error == nil {
				return tx.Model(&FriendLinkDBEntry{}).
					Where(&FriendLinkDBEntry{ID: existing.ID}).
					Updates(map[string]interface{}{
						"share_weight": share.ShareWeight,
						"share_waist":  share.ShareWaist,
					}).Error
			}
			if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
				return lookup.Error
			}
			return tx.Create(&FriendLinkDBEntry{
				ID:          ulid.Make().String(),
				OwnerID:     ownerID,
				FriendID:    friendID,
				ShareWeight: share.ShareWeight,
				ShareWaist:  share.ShareWaist,
				CreatedAt:   time.Now().UTC(),
			}).Error
		},
	); dbErr != nil {
		return fmt.Errorf("failed to set share settings [%w]", dbErr)
	}
	return nil
}

/*
UpsertStatus store a user's latest status summary

	@param ctx context.Context - execution context
	@param userID string - the pushing user
	@param report models.StatusReport - the status report
*/
func (s *storeImpl) UpsertStatus(
	ctx context.Context, userID string, report models.StatusReport,
) error {
	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			row := UserStatusDBEntry{
				UserID:        userID,
				LoggedToday:   report.LoggedToday,
				LastEntryDate: report.LastEntryDate,
				WeightKG:      report.WeightKG,
				WaistCM:       report.WaistCM,
				UpdatedAt:     time.Now().UTC(),
			}
			var existing UserStatusDBEntry
			lookup := tx.Where(&UserStatusDBEntry{UserID: userID}).First(&existing)
			if lookup.Error == nil {
				return tx.Model(&UserStatusDBEntry{}).
					Where(&UserStatusDBEntry{UserID: userID}).
					Select("logged_today", "last_entry_date", "weight_kg", "waist_cm", "updated_at").
					Updates(&row).Error
			}
			if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
				return lookup.Error
			}
			return tx.Create(&row).Error
		},
	); dbErr != nil {
		return fmt.Errorf("failed to store status for '%s' [%w]", userID, dbErr)
	}
	return nil
}

/*
GetStatus fetch a user's stored status summary

	@param ctx context.Context - execution context
	@param userID string - the user
	@returns the stored report
*/
func (s *storeImpl) GetStatus(ctx context.Context, userID string) (models.StatusReport, error) {
	var row UserStatusDBEntry
	var loggedToday bool
	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			if err := tx.Where(&UserStatusDBEntry{UserID: userID}).First(&row).Error; err != nil {
				return err
			}
			var err error
			loggedToday, err = resolveLoggedToday(tx, userID, row)
			return err
		},
	); dbErr != nil {
		if errors.Is(dbErr, gorm.ErrRecordNotFound) {
			return models.StatusReport{}, db.ErrNotFound
		}
		return models.StatusReport{}, fmt.Errorf("failed to read status for '%s' [%w]", userID, dbErr)
	}
	return models.StatusReport{
		LoggedToday:   loggedToday,
		LastEntryDate: row.LastEntryDate,
		WeightKG:      row.WeightKG,
		WaistCM:       row.WaistCM,
	}, nil
}

/*
UpsertReminders apply a pushed reminder batch last-write-wins

	@param ctx context.Context - execution context
	@param userID string - the pushing user
	@param reminders []models.WireReminder - the batch
	@returns number of reminders applied
*/
func (s *storeImpl) UpsertReminders(
	ctx context.Context, userID string, reminders []models.WireReminder,
) (int, error) {
	logTags := s.GetLogTagsForContext(ctx)

	applied := 0
	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			for _, reminder := range reminders {
				weekdays, err := json.Marshal(reminder.Weekdays)
				if err != nil {
					return fmt.Errorf("failed to serialize reminder weekdays [%w]", err)
				}

				row := SharedReminderDBEntry{
					UserID:     userID,
					ReminderID: reminder.ReminderID,
					Message:    reminder.Message,
					TimeOfDay:  reminder.TimeOfDay,
					Weekdays:   datatypes.JSON(weekdays),
					Timezone:   reminder.Timezone,
					Enabled:    reminder.Enabled,
					UpdatedAt:  reminder.UpdatedAt,
					IsDeleted:  reminder.IsDeleted,
				}
				if !reminder.IsDeleted && reminder.Enabled {
					nextFire, err := ComputeNextFire(
						reminder.TimeOfDay, reminder.Weekdays, reminder.Timezone, time.Now(),
					)
					if err != nil {
						log.WithError(err).
							WithFields(logTags).
							WithField("reminder_id", reminder.ReminderID).
							Warn("Could not schedule reminder")
					} else {
						row.NextFireAt = &nextFire
					}
				}

				var existing SharedReminderDBEntry
				lookup := tx.Where(
					&SharedReminderDBEntry{UserID: userID, ReminderID: reminder.ReminderID},
				).First(&existing)
				if lookup.Error != nil {
					if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
						return lookup.Error
					}
					if err := tx.Create(&row).Error; err != nil {
						return err
					}
					applied++
					continue
				}
				if !reminder.UpdatedAt.After(existing.UpdatedAt) {
					continue
				}
				if err := tx.Model(&SharedReminderDBEntry{}).
					Where(&SharedReminderDBEntry{UserID: userID, ReminderID: reminder.ReminderID}).
					Select(
						"message", "time_of_day", "weekdays", "timezone",
						"enabled", "next_fire_at", "updated_at", "is_deleted",
					).
					Updates(&row).Error; err != nil {
					return err
				}
				applied++
			}
			return nil
		},
	); dbErr != nil {
		return 0, fmt.Errorf("failed to upsert reminder batch for '%s' [%w]", userID, dbErr)
	}
	return applied, nil
}

/*
ListReminders list a user's reminder schedules, tombstones included

	@param ctx context.Context - execution context
	@param userID string - the user
	@returns the schedules
*/
func (s *storeImpl) ListReminders(
	ctx context.Context, userID string,
) ([]models.WireReminder, error) {
	var rows []SharedReminderDBEntry
	if dbErr := s.persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			return tx.Where(&SharedReminderDBEntry{UserID: userID}).
				Order("updated_at asc").
				Find(&rows).Error
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list reminders for '%s' [%w]", userID, dbErr)
	}

	reminders := make([]models.WireReminder, 0, len(rows))
	for _, row := range rows {
		var weekdays []time.Weekday
		if len(row.Weekdays) > 0 {
			if err := json.Unmarshal(row.Weekdays, &weekdays); err != nil {
				return nil, fmt.Errorf("failed to parse reminder weekdays [%w]", err)
			}
		}
		reminders = append(reminders, models.WireReminder{
			ReminderID: row.ReminderID,
			Message:    row.Message,
			TimeOfDay:  row.TimeOfDay,
			Weekdays:   weekdays,
			Timezone:   row.Timezone,
			Enabled:    row.Enabled,
			NextFireAt: row.NextFireAt,
			UpdatedAt:  row.UpdatedAt,
			IsDeleted:  row.IsDeleted,
		})
	}
	return reminders, nil
}
