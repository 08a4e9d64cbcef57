// Package main - Atlas GORM migration support binary
package main

import (
	"fmt"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/alwitt/vitals/db"
	"github.com/alwitt/vitals/relay"
	"github.com/apex/log"
)

func main() {
	stmts, err := gormschema.New("postgres").Load(
		// Vault side
		&db.SystemEventAuditDBEntry{},
		&db.SystemParamsDBEntry{},
		&db.CryptoMetadataDBEntry{},
		&db.DeviceKeyDBEntry{},
		&db.SyncWatermarkDBEntry{},
		&db.EntryRecordDBEntry{},
		&db.ReminderRecordDBEntry{},
		// Relay side
		&relay.UserDBEntry{},
		&relay.UserTokenDBEntry{},
		&relay.SharedEntryDBEntry{},
		&relay.FriendLinkDBEntry{},
		&relay.UserStatusDBEntry{},
		&relay.SharedReminderDBEntry{},
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to load GORM models")
	}
	fmt.Printf("%s\n", stmts)
}
