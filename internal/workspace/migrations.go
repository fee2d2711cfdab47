package workspace

// Migrate applies every applicable migration to doc (a raw, not-yet-typed
// config document) in place, returning the names of the migrations that
// made a change. An already-migrated document (config_version up to date)
// short-circuits without touching doc (SUPPLEMENTED FEATURES "Config
// migrations").
func Migrate(doc map[string]any) []string {
	if v, ok := doc["config_version"]; ok {
		if n, ok := asInt(v); ok && n >= ConfigVersion {
			return nil
		}
	}

	var applied []string
	if migrateReposToFolders(doc) {
		applied = append(applied, "repos-to-folders")
	}
	if migrateLegacyTelegram(doc) {
		applied = append(applied, "legacy-telegram")
	}
	if len(applied) > 0 {
		doc["config_version"] = ConfigVersion
	}
	return applied
}

// migrateReposToFolders renames a legacy "repos" section to "folders"
// (spec §6 migration 1), mirroring config_migrations.py's
// _migrate_repos_to_folders: if both are present, the legacy section is
// simply dropped rather than overwriting the new one.
func migrateReposToFolders(doc map[string]any) bool {
	repos, hasRepos := doc["repos"]
	if !hasRepos {
		return false
	}
	if _, hasFolders := doc["folders"]; hasFolders {
		delete(doc, "repos")
		return true
	}
	doc["folders"] = repos
	delete(doc, "repos")
	return true
}

// migrateLegacyTelegram moves workspace.bot_token/telegram_group_id into
// a dedicated telegram.bot_token/chat_id section (spec §6 migration 2).
func migrateLegacyTelegram(doc map[string]any) bool {
	wsAny, ok := doc["workspace"]
	if !ok {
		return false
	}
	ws, ok := wsAny.(map[string]any)
	if !ok {
		return false
	}

	botToken, hasBotToken := ws["bot_token"]
	groupID, hasGroupID := ws["telegram_group_id"]
	if !hasBotToken && !hasGroupID {
		return false
	}

	telegram, _ := doc["telegram"].(map[string]any)
	if telegram == nil {
		telegram = make(map[string]any)
	}

	if hasBotToken {
		if _, exists := telegram["bot_token"]; !exists {
			telegram["bot_token"] = botToken
		}
		delete(ws, "bot_token")
	}
	if hasGroupID {
		if _, exists := telegram["chat_id"]; !exists {
			telegram["chat_id"] = groupID
		}
		delete(ws, "telegram_group_id")
	}

	doc["telegram"] = telegram
	return true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
