package models

// ModelsToAutoMigrate returns every model in dependency order for gorm
// AutoMigrate.
func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&Commit{},
		&Branch{},
		&ResourceVersion{},
		&VersionDelta{},
		&Proposal{},
		&OutboxEvent{},
		&BranchStateRecord{},
	}
}
